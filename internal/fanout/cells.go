package fanout

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/swarmlog/swarmlog/internal/cells"
)

// cellNode is a cells row plus its children, the tree form spec §4.7's
// GET /cells returns.
type cellNode struct {
	cells.Cell
	Children []*cellNode `json:"children,omitempty"`
}

func (s *Server) cellsHandler(c *echo.Context) error {
	project := c.QueryParam("project")
	if project == "" {
		project = s.defaultProject
	}
	rows, err := s.cells.List(c.Request().Context(), project, "")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, buildCellTree(rows))
}

// buildCellTree arranges a flat cell list into parent/child trees. Cells
// whose parent isn't present in rows (or have none) become roots.
func buildCellTree(rows []cells.Cell) []*cellNode {
	nodes := make(map[string]*cellNode, len(rows))
	for _, c := range rows {
		nodes[c.ID] = &cellNode{Cell: c}
	}

	var roots []*cellNode
	for _, c := range rows {
		n := nodes[c.ID]
		if c.ParentID == "" {
			roots = append(roots, n)
			continue
		}
		parent, ok := nodes[c.ParentID]
		if !ok {
			roots = append(roots, n)
			continue
		}
		parent.Children = append(parent.Children, n)
	}
	return roots
}
