package mesh

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// gmsh 2.2 element type codes for the entities we handle.
const (
	gmshLine     = 1
	gmshTriangle = 2
	gmshTet      = 4
	gmshPoint    = 15
)

var gmshNodeCount = map[int]int{
	gmshPoint:    1,
	gmshLine:     2,
	gmshTriangle: 3,
	gmshTet:      4,
}

// ReadGmsh22 reads an ASCII gmsh 2.2 mesh file. The mesh dimension is
// taken from the highest-dimensional simplex present; triangles and
// tetrahedra become cells, lower-dimensional elements are retained as
// boundary records.
func ReadGmsh22(filename string) (*Mesh, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var (
		m       = &Mesh{}
		scanner = bufio.NewScanner(file)
		idIndex = make(map[int]int) // gmsh node id -> coordinate index
		coords3 [][3]float64
	)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "$MeshFormat":
			if !scanner.Scan() {
				return nil, fmt.Errorf("unexpected EOF after $MeshFormat")
			}
			parts := strings.Fields(scanner.Text())
			if len(parts) < 3 {
				return nil, fmt.Errorf("invalid $MeshFormat line")
			}
			if !strings.HasPrefix(parts[0], "2") {
				return nil, fmt.Errorf("unsupported gmsh version %s, need 2.x", parts[0])
			}
			if parts[1] != "0" {
				return nil, fmt.Errorf("binary gmsh files are not supported")
			}

		case "$PhysicalNames":
			if !scanner.Scan() {
				return nil, fmt.Errorf("unexpected EOF in $PhysicalNames")
			}
			n, _ := strconv.Atoi(strings.TrimSpace(scanner.Text()))
			for i := 0; i < n && scanner.Scan(); i++ {
				parts := strings.SplitN(strings.TrimSpace(scanner.Text()), " ", 3)
				if len(parts) < 3 {
					return nil, fmt.Errorf("invalid physical name record %q", scanner.Text())
				}
				dim, _ := strconv.Atoi(parts[0])
				tag, _ := strconv.Atoi(parts[1])
				m.Physical = append(m.Physical, PhysicalName{
					Dim:  dim,
					Tag:  tag,
					Name: strings.Trim(parts[2], `"`),
				})
			}

		case "$Nodes":
			if !scanner.Scan() {
				return nil, fmt.Errorf("unexpected EOF in $Nodes")
			}
			n, _ := strconv.Atoi(strings.TrimSpace(scanner.Text()))
			for i := 0; i < n && scanner.Scan(); i++ {
				parts := strings.Fields(scanner.Text())
				if len(parts) < 4 {
					return nil, fmt.Errorf("invalid node record %q", scanner.Text())
				}
				id, _ := strconv.Atoi(parts[0])
				x, _ := strconv.ParseFloat(parts[1], 64)
				y, _ := strconv.ParseFloat(parts[2], 64)
				z, _ := strconv.ParseFloat(parts[3], 64)
				idIndex[id] = len(coords3)
				coords3 = append(coords3, [3]float64{x, y, z})
				m.NodeIDs = append(m.NodeIDs, id)
			}

		case "$Elements":
			if !scanner.Scan() {
				return nil, fmt.Errorf("unexpected EOF in $Elements")
			}
			n, _ := strconv.Atoi(strings.TrimSpace(scanner.Text()))
			for i := 0; i < n && scanner.Scan(); i++ {
				parts := strings.Fields(scanner.Text())
				if len(parts) < 3 {
					return nil, fmt.Errorf("invalid element record %q", scanner.Text())
				}
				id, _ := strconv.Atoi(parts[0])
				etype, _ := strconv.Atoi(parts[1])
				ntags, _ := strconv.Atoi(parts[2])
				nnodes, ok := gmshNodeCount[etype]
				if !ok {
					return nil, fmt.Errorf("unsupported gmsh element type %d", etype)
				}
				if len(parts) < 3+ntags+nnodes {
					return nil, fmt.Errorf("truncated element record %q", scanner.Text())
				}
				elem := Element{ID: id, Type: etype}
				for t := 0; t < ntags; t++ {
					tag, _ := strconv.Atoi(parts[3+t])
					elem.Tags = append(elem.Tags, tag)
				}
				for v := 0; v < nnodes; v++ {
					nodeID, _ := strconv.Atoi(parts[3+ntags+v])
					idx, ok := idIndex[nodeID]
					if !ok {
						return nil, fmt.Errorf("element %d references unknown node %d", id, nodeID)
					}
					elem.Nodes = append(elem.Nodes, idx)
				}
				m.Elements = append(m.Elements, elem)
				if etype == gmshTet {
					m.Dim = 3
				} else if etype == gmshTriangle && m.Dim < 2 {
					m.Dim = 2
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if m.Dim == 0 {
		return nil, fmt.Errorf("no triangle or tetrahedron elements in %s", filename)
	}

	m.Coords = make([][]float64, len(coords3))
	for i, c := range coords3 {
		m.Coords[i] = make([]float64, m.Dim)
		copy(m.Coords[i], c[:m.Dim])
	}

	cellType := gmshTriangle
	if m.Dim == 3 {
		cellType = gmshTet
	}
	for _, e := range m.Elements {
		if e.Type == cellType {
			m.EtoV = append(m.EtoV, e.Nodes)
		}
	}
	if len(m.EtoV) == 0 {
		return nil, fmt.Errorf("no cells of dimension %d in %s", m.Dim, filename)
	}
	return m, nil
}

// WriteGmsh22 writes the mesh back out in ASCII gmsh 2.2 format,
// preserving node ids, element records, and physical names, with the
// current (possibly moved) coordinates.
func WriteGmsh22(m *Mesh, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriter(file)

	fmt.Fprintf(w, "$MeshFormat\n2.2 0 8\n$EndMeshFormat\n")

	if len(m.Physical) > 0 {
		fmt.Fprintf(w, "$PhysicalNames\n%d\n", len(m.Physical))
		for _, p := range m.Physical {
			fmt.Fprintf(w, "%d %d \"%s\"\n", p.Dim, p.Tag, p.Name)
		}
		fmt.Fprintf(w, "$EndPhysicalNames\n")
	}

	fmt.Fprintf(w, "$Nodes\n%d\n", len(m.Coords))
	for i, c := range m.Coords {
		id := i + 1
		if m.NodeIDs != nil {
			id = m.NodeIDs[i]
		}
		x, y, z := c[0], c[1], 0.0
		if m.Dim == 3 {
			z = c[2]
		}
		fmt.Fprintf(w, "%d %.16g %.16g %.16g\n", id, x, y, z)
	}
	fmt.Fprintf(w, "$EndNodes\n")

	fmt.Fprintf(w, "$Elements\n%d\n", len(m.Elements))
	for _, e := range m.Elements {
		fmt.Fprintf(w, "%d %d %d", e.ID, e.Type, len(e.Tags))
		for _, t := range e.Tags {
			fmt.Fprintf(w, " %d", t)
		}
		for _, v := range e.Nodes {
			id := v + 1
			if m.NodeIDs != nil {
				id = m.NodeIDs[v]
			}
			fmt.Fprintf(w, " %d", id)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "$EndElements\n")
	return w.Flush()
}
