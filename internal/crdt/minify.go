package crdt

import "fmt"

// MinIdentifier is the compact wire form of an Identifier.
type MinIdentifier struct {
	I int    `json:"i"`
	S string `json:"s"`
	C int    `json:"c"`
}

// MinOperation is the compact wire form of an Operation, used for batched
// deltas where the verbose field names dominate the payload.
type MinOperation struct {
	T string          `json:"t"`
	V string          `json:"v"`
	P []MinIdentifier `json:"p"`
}

const (
	minInsert = "i"
	minDelete = "d"
)

func Minify(op Operation) MinOperation {
	out := MinOperation{V: op.Value, P: make([]MinIdentifier, len(op.Position))}
	switch op.Type {
	case OpInsert:
		out.T = minInsert
	case OpDelete:
		out.T = minDelete
	default:
		out.T = string(op.Type)
	}
	for i, id := range op.Position {
		out.P[i] = MinIdentifier{I: id.Int, S: id.Site, C: id.Clock}
	}
	return out
}

func Expand(op MinOperation) (Operation, error) {
	out := Operation{Value: op.V, Position: make(Position, len(op.P))}
	switch op.T {
	case minInsert:
		out.Type = OpInsert
	case minDelete:
		out.Type = OpDelete
	default:
		return Operation{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op.T)
	}
	for i, id := range op.P {
		out.Position[i] = Identifier{Int: id.I, Site: id.S, Clock: id.C}
	}
	return out, nil
}
