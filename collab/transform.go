package collab

import (
	"cmp"
	"math"
	"slices"
	"time"
)

// reconcile concurrent operations so that every client converges on the same canvas
// regardless of the order operations arrive in.
//
// rules, for a concurrent pair from different users:
// - add/add at the same position: the add later in evaluation order is offset
// - update/update on one object: higher version wins, then earlier timestamp.
//   Equal precedence merges the fields.
// - delete against update/transform on one object: delete wins
// - delete/delete on one object: the later delete is nullified
// - transform against update/transform on one object: the two compose
// - anything else passes through
//
// the losing side of a conflict is nullified, not dropped, so the log keeps its shape

// separates conflicting text values in a field merge
const TextMergeSeparator = "\n"

type TransformSettings struct {
	// operations from different users whose timestamps are closer than this are concurrent.
	// This is a heuristic, not a causality proof. With clock skew or high latency
	// a larger window merges sequential edits, and a smaller window lets a stale
	// overwrite through.
	ConcurrencyWindow time.Duration
	// offset applied to an add that lands exactly on another add
	AddOffset float64
}

func DefaultTransformSettings() *TransformSettings {
	return &TransformSettings{
		ConcurrencyWindow: 1000 * time.Millisecond,
		AddOffset:         10,
	}
}

// Transformer is stateless and safe to share across sessions.
type Transformer struct {
	settings *TransformSettings
}

func NewTransformerWithDefaults() *Transformer {
	return NewTransformer(DefaultTransformSettings())
}

func NewTransformer(settings *TransformSettings) *Transformer {
	return &Transformer{
		settings: settings,
	}
}

// Transform with the default settings.
func Transform(incoming Operation, local []Operation) OperationResult {
	return NewTransformerWithDefaults().Transform(incoming, local)
}

// Transform reconciles `incoming` against each local operation in evaluation order.
// The result holds the rewritten incoming operation and, as companions,
// every local operation that had to be rewritten.
func (self *Transformer) Transform(incoming Operation, local []Operation) OperationResult {
	current := incoming
	companions := []Operation{}
	for _, localOp := range SortOperations(local) {
		if !self.concurrent(current, localOp) {
			continue
		}
		var rewrittenLocal Operation
		var localChanged bool
		current, rewrittenLocal, localChanged = self.reconcile(current, localOp)
		if localChanged {
			companions = append(companions, rewrittenLocal)
		}
	}
	return OperationResult{
		Operation:  current,
		Companions: companions,
	}
}

func (self *Transformer) concurrent(a Operation, b Operation) bool {
	if a.Id == b.Id {
		return false
	}
	// an author's own operations are ordered by construction
	if a.UserId == b.UserId {
		return false
	}
	if a.IsNoop() || b.IsNoop() {
		return false
	}
	if a.ObjectId != b.ObjectId && !overlaps(a, b) {
		return false
	}
	window := self.settings.ConcurrencyWindow.Milliseconds()
	dt := a.Timestamp - b.Timestamp
	if dt < 0 {
		dt = -dt
	}
	return dt < window
}

// returns (incoming', local', local changed)
func (self *Transformer) reconcile(a Operation, b Operation) (Operation, Operation, bool) {
	sameObject := a.ObjectId == b.ObjectId

	switch {
	case a.Type == OpTypeAdd && b.Type == OpTypeAdd:
		if samePosition(a, b) {
			if CompareEvaluationOrder(a, b) > 0 {
				return self.offset(a), b, false
			}
			return a, self.offset(b), true
		}

	case sameObject && a.Type == OpTypeDelete && b.Type == OpTypeDelete:
		if CompareEvaluationOrder(a, b) > 0 {
			return a.Nullified(), b, false
		}
		return a, b.Nullified(), true

	case sameObject && a.Type == OpTypeDelete && isEdit(b):
		return a, b.Nullified(), true

	case sameObject && isEdit(a) && b.Type == OpTypeDelete:
		return a.Nullified(), b, false

	case sameObject && isEdit(a) && isEdit(b) && (a.Type == OpTypeTransform || b.Type == OpTypeTransform):
		return compose(a, b), b.Nullified(), true

	case sameObject && a.Type == OpTypeUpdate && b.Type == OpTypeUpdate:
		switch precedence := comparePrecedence(a, b); {
		case 0 < precedence:
			return a, b.Nullified(), true
		case precedence < 0:
			return a.Nullified(), b, false
		default:
			return merge(a, b), b.Nullified(), true
		}
	}

	return a, b, false
}

func (self *Transformer) offset(op Operation) Operation {
	add, ok := op.Data.(AddData)
	if !ok {
		return op
	}
	props := add.Props.Clone()
	if props.Left != nil {
		props.Left = Float(*props.Left + self.settings.AddOffset)
	}
	if props.Top != nil {
		props.Top = Float(*props.Top + self.settings.AddOffset)
	}
	return op.WithData(AddData{
		ObjectType: add.ObjectType,
		Props:      props,
	})
}

func isEdit(op Operation) bool {
	return op.Type == OpTypeUpdate || op.Type == OpTypeTransform
}

// CompareEvaluationOrder is the total order used to evaluate operations:
// timestamp, then user id, then id.
func CompareEvaluationOrder(a Operation, b Operation) int {
	if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
		return c
	}
	if c := cmp.Compare(a.UserId, b.UserId); c != 0 {
		return c
	}
	return slices.Compare(a.Id[:], b.Id[:])
}

// SortOperations returns a copy of `ops` in evaluation order.
func SortOperations(ops []Operation) []Operation {
	sorted := slices.Clone(ops)
	slices.SortStableFunc(sorted, CompareEvaluationOrder)
	return sorted
}

// positive when `a` takes precedence
func comparePrecedence(a Operation, b Operation) int {
	if c := cmp.Compare(a.Version, b.Version); c != 0 {
		return c
	}
	// earlier wins
	return cmp.Compare(b.Timestamp, a.Timestamp)
}

// the merge is symmetric in (a, b). Order-dependent fields use evaluation order.
func merge(a Operation, b Operation) Operation {
	first, second := a.Props(), b.Props()
	if CompareEvaluationOrder(a, b) > 0 {
		first, second = second, first
	}

	merged := Props{
		Left:   mergeFloat(first.Left, second.Left, average),
		Top:    mergeFloat(first.Top, second.Top, average),
		Width:  mergeFloat(first.Width, second.Width, math.Max),
		Height: mergeFloat(first.Height, second.Height, math.Max),
		Radius: mergeFloat(first.Radius, second.Radius, math.Max),
		Fill:   lastString(first.Fill, second.Fill),
		Stroke: lastString(first.Stroke, second.Stroke),
		Color:  lastString(first.Color, second.Color),
		Text:   concatString(first.Text, second.Text),
	}

	op := a.WithData(UpdateData{Props: merged})
	op.Version = max(a.Version, b.Version)
	return op
}

func compose(a Operation, b Operation) Operation {
	first, second := transformDataOf(a), transformDataOf(b)
	if CompareEvaluationOrder(a, b) > 0 {
		first, second = second, first
	}

	composed := TransformData{
		Props: first.Props.Overlay(second.Props),
	}
	if first.ScaleX != nil || second.ScaleX != nil {
		composed.ScaleX = Float(first.scaleX() * second.scaleX())
	}
	if first.ScaleY != nil || second.ScaleY != nil {
		composed.ScaleY = Float(first.scaleY() * second.scaleY())
	}
	if first.Angle != nil || second.Angle != nil {
		composed.Angle = Float(first.angle() + second.angle())
	}

	op := a.WithData(composed)
	op.Version = max(a.Version, b.Version)
	return op
}

func transformDataOf(op Operation) TransformData {
	switch v := op.Data.(type) {
	case TransformData:
		return v
	default:
		return TransformData{Props: op.Props()}
	}
}

func average(a float64, b float64) float64 {
	return (a + b) / 2
}

func mergeFloat(a *float64, b *float64, both func(float64, float64) float64) *float64 {
	switch {
	case a != nil && b != nil:
		return Float(both(*a, *b))
	case a != nil:
		return Float(*a)
	case b != nil:
		return Float(*b)
	default:
		return nil
	}
}

func lastString(first *string, second *string) *string {
	if second != nil {
		return String(*second)
	}
	return cloneString(first)
}

// FIXME placeholder until text objects get a character level merge. Concatenation loses intent.
func concatString(first *string, second *string) *string {
	switch {
	case first != nil && second != nil:
		return String(*first + TextMergeSeparator + *second)
	case first != nil:
		return String(*first)
	case second != nil:
		return String(*second)
	default:
		return nil
	}
}

type box struct {
	left   float64
	top    float64
	right  float64
	bottom float64
}

func boundsOf(op Operation) (box, bool) {
	props := op.Props()
	if props.Left == nil || props.Top == nil {
		return box{}, false
	}
	var width, height float64
	switch {
	case props.Width != nil || props.Height != nil:
		if props.Width != nil {
			width = *props.Width
		}
		if props.Height != nil {
			height = *props.Height
		}
	case props.Radius != nil:
		width = *props.Radius * 2
		height = width
	}
	return box{
		left:   *props.Left,
		top:    *props.Top,
		right:  *props.Left + width,
		bottom: *props.Top + height,
	}, true
}

func overlaps(a Operation, b Operation) bool {
	aBox, ok := boundsOf(a)
	if !ok {
		return false
	}
	bBox, ok := boundsOf(b)
	if !ok {
		return false
	}
	return aBox.left <= bBox.right && bBox.left <= aBox.right &&
		aBox.top <= bBox.bottom && bBox.top <= aBox.bottom
}

func samePosition(a Operation, b Operation) bool {
	aProps, bProps := a.Props(), b.Props()
	if aProps.Left == nil || aProps.Top == nil || bProps.Left == nil || bProps.Top == nil {
		return false
	}
	return *aProps.Left == *bProps.Left && *aProps.Top == *bProps.Top
}
