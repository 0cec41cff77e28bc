package canvas

import (
	"github.com/gosuda/inkboard/internal/domain"
)

type OpKind string

const (
	OpAdd            OpKind = "add"
	OpDelete         OpKind = "delete"
	OpMove           OpKind = "move"
	OpPropertyChange OpKind = "propertyChange"
)

// Operation is a recorded, invertible mutation of the canvas. Add and Delete
// use Shapes; Move and PropertyChange use OriginalShape, NewShape and Index.
type Operation struct {
	Kind   OpKind
	Shapes []domain.Shape
	// Indices holds the position each deleted shape occupied. Apply fills it
	// in so that undo can restore the exact prior order.
	Indices       []int
	OriginalShape domain.Shape
	NewShape      domain.Shape
	Index         int
}

func Add(shapes ...domain.Shape) Operation {
	return Operation{Kind: OpAdd, Shapes: shapes}
}

func Delete(shapes ...domain.Shape) Operation {
	return Operation{Kind: OpDelete, Shapes: shapes}
}

func Move(original, moved domain.Shape, index int) Operation {
	return Operation{Kind: OpMove, OriginalShape: original, NewShape: moved, Index: index}
}

func PropertyChange(original, changed domain.Shape, index int) Operation {
	return Operation{Kind: OpPropertyChange, OriginalShape: original, NewShape: changed, Index: index}
}
