package collab

import (
	"slices"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCanvasApply(t *testing.T) {
	state := NewCanvasState()

	state.Apply(testAdd("rect", "a", 1000, 10, 20))
	object, ok := state.Objects["rect"]
	assert.Equal(t, ok, true)
	assert.Equal(t, object.ObjectType, "rect")
	assert.Equal(t, object.ScaleX, float64(1))
	assert.Equal(t, *object.Left, float64(10))

	state.Apply(testOp("rect", "a", 1100, 1, UpdateData{Props: Props{Fill: String("red")}}))
	state.Apply(testOp("rect", "a", 1200, 2, TransformData{
		ScaleX: Float(2),
		ScaleY: Float(3),
		Angle:  Float(15),
		Props: Props{
			Left: Float(30),
		},
	}))
	object = state.Objects["rect"]
	assert.Equal(t, *object.Fill, "red")
	assert.Equal(t, *object.Left, float64(30))
	assert.Equal(t, *object.Top, float64(20))
	assert.Equal(t, object.ScaleX, float64(2))
	assert.Equal(t, object.ScaleY, float64(3))
	assert.Equal(t, object.Angle, float64(15))
	assert.Equal(t, state.Timestamp, int64(1200))

	// edits to unknown objects are ignored
	state.Apply(testOp("missing", "a", 1300, 0, UpdateData{Props: Props{Fill: String("red")}}))
	_, ok = state.Objects["missing"]
	assert.Equal(t, ok, false)

	state.Apply(testOp("rect", "a", 1400, 0, DeleteData{}))
	assert.Equal(t, len(state.Objects), 0)
	assert.Equal(t, state.Timestamp, int64(1400))
}

func TestCanvasRewriteSupersedes(t *testing.T) {
	update := testOp("rect", "b", 1100, 1, UpdateData{Props: Props{Fill: String("blue")}})
	ops := []Operation{
		testAdd("rect", "a", 1000, 0, 0),
		update,
		testOp("rect", "a", 1200, 1, UpdateData{Props: Props{Stroke: String("black")}}),
		update.Nullified(),
	}

	effective := EffectiveOperations(ops)
	assert.Equal(t, len(effective), 3)
	assert.Equal(t, effective[1].Id, update.Id)
	assert.Equal(t, effective[1].IsNoop(), true)

	state := NewCanvas().Project(ops)
	object := state.Objects["rect"]
	assert.Equal(t, object.Fill, nil)
	assert.Equal(t, *object.Stroke, "black")
}

func TestCanvasProjectDoesNotMutate(t *testing.T) {
	base := NewCanvasState()
	base.Apply(testAdd("rect", "a", 1000, 0, 0))
	canvas := NewCanvasFromState(base)

	state := canvas.Project([]Operation{
		testOp("rect", "a", 1100, 0, UpdateData{Props: Props{Fill: String("red")}}),
	})
	assert.Equal(t, *state.Objects["rect"].Fill, "red")

	again := canvas.Project(nil)
	assert.Equal(t, again.Objects["rect"].Fill, nil)
	assert.Equal(t, base.Objects["rect"].Fill, nil)

	ids := state.ObjectIds()
	slices.Sort(ids)
	assert.Equal(t, ids, []string{"rect"})
}

func TestCanvasDocumentTransform(t *testing.T) {
	state := NewCanvasState()
	state.Apply(testAdd("rect-a", "a", 1000, 0, 0))
	state.Apply(testAdd("rect-b", "a", 1001, 100, 0))
	state.Apply(testOp("rect-a", "a", 1002, 0, TransformData{ScaleX: Float(2)}))

	// every object, props ignored
	state.Apply(testOp("", "b", 2000, 0, TransformData{
		ScaleX: Float(3),
		Angle:  Float(45),
		Props: Props{
			Left: Float(500),
		},
	}))
	assert.Equal(t, len(state.Objects), 2)
	assert.Equal(t, state.Objects["rect-a"].ScaleX, float64(6))
	assert.Equal(t, state.Objects["rect-a"].ScaleY, float64(1))
	assert.Equal(t, state.Objects["rect-b"].ScaleX, float64(3))
	assert.Equal(t, state.Objects["rect-b"].Angle, float64(45))
	assert.Equal(t, *state.Objects["rect-b"].Left, float64(100))
	assert.Equal(t, state.Timestamp, int64(2000))
}

func TestCanvasReset(t *testing.T) {
	canvas := NewCanvas()
	canvas.Fold([]HistoryEntry{
		{Operation: testAdd("rect-old", "a", 1000, 0, 0)},
	})

	base := NewCanvasState()
	base.Apply(testAdd("rect-base", "b", 2000, 0, 0))
	canvas.Reset(base)
	// evictions after the reset fold into the new base
	canvas.Fold([]HistoryEntry{
		{Operation: testAdd("rect-evicted", "a", 3000, 100, 0)},
	})
	base.Apply(testAdd("rect-outside", "b", 4000, 200, 0))

	ids := canvas.Project(nil).ObjectIds()
	slices.Sort(ids)
	assert.Equal(t, ids, []string{"rect-base", "rect-evicted"})
}

func TestVectorClock(t *testing.T) {
	a := NewVectorClock()
	a.Observe("a", 100)
	a.Observe("a", 50)
	timestamp, ok := a.Get("a")
	assert.Equal(t, ok, true)
	assert.Equal(t, timestamp, int64(100))

	_, ok = a.Get("b")
	assert.Equal(t, ok, false)

	b := NewVectorClock()
	b.Observe("b", 200)

	merged := a.Merge(b)
	assert.Equal(t, merged, VectorClock{"a": 100, "b": 200})
	// merge returns a new clock
	_, ok = a.Get("b")
	assert.Equal(t, ok, false)
	// the higher timestamp wins
	assert.Equal(t, merged.Merge(VectorClock{"a": 50, "c": 1}), VectorClock{"a": 100, "b": 200, "c": 1})

	clone := merged.Clone()
	clone.Observe("a", 500)
	timestamp, _ = merged.Get("a")
	assert.Equal(t, timestamp, int64(100))

	var empty VectorClock
	assert.Equal(t, len(empty.Clone()), 0)
	assert.Equal(t, empty.Merge(a), VectorClock{"a": 100})
}
