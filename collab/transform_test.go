package collab

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testOp(objectId string, userId string, timestamp int64, version int64, data OpData) Operation {
	return NewOperation(objectId, userId, timestamp, version, data)
}

func testAdd(objectId string, userId string, timestamp int64, left float64, top float64) Operation {
	return testOp(objectId, userId, timestamp, 0, AddData{
		ObjectType: "rect",
		Props: Props{
			Left:   Float(left),
			Top:    Float(top),
			Width:  Float(50),
			Height: Float(50),
		},
	})
}

func TestTransformAddSamePosition(t *testing.T) {
	a := testAdd("rect-a", "a", 1000, 100, 100)
	b := testAdd("rect-b", "b", 1000, 100, 100)

	// b is later in evaluation order, so b moves
	result := Transform(b, []Operation{a})
	assert.Equal(t, result.Operation.Id, b.Id)
	assert.Equal(t, result.Operation.Type, OpTypeAdd)
	assert.Equal(t, *result.Operation.Props().Left, float64(110))
	assert.Equal(t, *result.Operation.Props().Top, float64(110))
	assert.Equal(t, len(result.Companions), 0)

	// same outcome from the other side
	result = Transform(a, []Operation{b})
	assert.Equal(t, result.Operation.Id, a.Id)
	assert.Equal(t, *result.Operation.Props().Left, float64(100))
	assert.Equal(t, *result.Operation.Props().Top, float64(100))
	assert.Equal(t, len(result.Companions), 1)
	assert.Equal(t, result.Companions[0].Id, b.Id)
	assert.Equal(t, *result.Companions[0].Props().Left, float64(110))
	assert.Equal(t, *result.Companions[0].Props().Top, float64(110))

	// inputs are never mutated
	assert.Equal(t, *a.Props().Left, float64(100))
	assert.Equal(t, *b.Props().Left, float64(100))
}

func TestTransformAddDifferentPosition(t *testing.T) {
	a := testAdd("rect-a", "a", 1000, 100, 100)
	b := testAdd("rect-b", "b", 1000, 120, 120)

	result := Transform(b, []Operation{a})
	assert.Equal(t, result.Operation, b)
	assert.Equal(t, len(result.Companions), 0)
}

func TestTransformUpdateHigherVersionWins(t *testing.T) {
	a := testOp("rect", "a", 1000, 2, UpdateData{Props: Props{Fill: String("red")}})
	b := testOp("rect", "b", 1100, 1, UpdateData{Props: Props{Fill: String("blue")}})

	result := Transform(b, []Operation{a})
	assert.Equal(t, result.Operation.Id, b.Id)
	assert.Equal(t, result.Operation.IsNoop(), true)
	assert.Equal(t, len(result.Companions), 0)

	result = Transform(a, []Operation{b})
	assert.Equal(t, result.Operation, a)
	assert.Equal(t, len(result.Companions), 1)
	assert.Equal(t, result.Companions[0].Id, b.Id)
	assert.Equal(t, result.Companions[0].IsNoop(), true)
}

func TestTransformUpdateEarlierTimestampWins(t *testing.T) {
	a := testOp("rect", "a", 1000, 1, UpdateData{Props: Props{Fill: String("red")}})
	b := testOp("rect", "b", 1200, 1, UpdateData{Props: Props{Fill: String("blue")}})

	result := Transform(b, []Operation{a})
	assert.Equal(t, result.Operation.IsNoop(), true)

	result = Transform(a, []Operation{b})
	assert.Equal(t, *result.Operation.Props().Fill, "red")
	assert.Equal(t, len(result.Companions), 1)
	assert.Equal(t, result.Companions[0].IsNoop(), true)
}

func TestTransformUpdateMerge(t *testing.T) {
	a := testOp("rect", "a", 1000, 1, UpdateData{Props: Props{
		Left:  Float(100),
		Width: Float(40),
		Fill:  String("red"),
		Text:  String("hello"),
	}})
	b := testOp("rect", "b", 1000, 1, UpdateData{Props: Props{
		Left:  Float(200),
		Width: Float(80),
		Fill:  String("blue"),
		Text:  String("world"),
	}})

	result := Transform(b, []Operation{a})
	merged := result.Operation.Props()
	assert.Equal(t, result.Operation.Id, b.Id)
	assert.Equal(t, *merged.Left, float64(150))
	assert.Equal(t, *merged.Width, float64(80))
	// the later value in evaluation order wins for style
	assert.Equal(t, *merged.Fill, "blue")
	assert.Equal(t, *merged.Text, "hello"+TextMergeSeparator+"world")
	assert.Equal(t, len(result.Companions), 1)
	assert.Equal(t, result.Companions[0].Id, a.Id)
	assert.Equal(t, result.Companions[0].IsNoop(), true)

	// the merge does not depend on which side is incoming
	reverse := Transform(a, []Operation{b})
	assert.Equal(t, reverse.Operation.Props(), merged)
}

func TestTransformDeleteWins(t *testing.T) {
	update := testOp("rect", "a", 1000, 5, UpdateData{Props: Props{Fill: String("red")}})
	remove := testOp("rect", "b", 1100, 0, DeleteData{})

	result := Transform(update, []Operation{remove})
	assert.Equal(t, result.Operation.Id, update.Id)
	assert.Equal(t, result.Operation.IsNoop(), true)
	assert.Equal(t, len(result.Companions), 0)

	result = Transform(remove, []Operation{update})
	assert.Equal(t, result.Operation, remove)
	assert.Equal(t, len(result.Companions), 1)
	assert.Equal(t, result.Companions[0].Id, update.Id)
	assert.Equal(t, result.Companions[0].IsNoop(), true)

	transform := testOp("rect", "a", 1000, 0, TransformData{Angle: Float(45)})
	result = Transform(transform, []Operation{remove})
	assert.Equal(t, result.Operation.IsNoop(), true)
}

func TestTransformDeleteDelete(t *testing.T) {
	a := testOp("rect", "a", 1000, 0, DeleteData{})
	b := testOp("rect", "b", 1000, 0, DeleteData{})

	result := Transform(b, []Operation{a})
	assert.Equal(t, result.Operation.IsNoop(), true)

	result = Transform(a, []Operation{b})
	assert.Equal(t, result.Operation, a)
	assert.Equal(t, len(result.Companions), 1)
	assert.Equal(t, result.Companions[0].IsNoop(), true)
}

func TestTransformCompose(t *testing.T) {
	a := testOp("rect", "a", 1000, 1, TransformData{ScaleX: Float(2)})
	b := testOp("rect", "b", 1000, 3, TransformData{ScaleX: Float(3), Angle: Float(10)})

	result := Transform(b, []Operation{a})
	assert.Equal(t, result.Operation.Id, b.Id)
	assert.Equal(t, result.Operation.Type, OpTypeTransform)
	composed := result.Operation.Data.(TransformData)
	assert.Equal(t, *composed.ScaleX, float64(6))
	assert.Equal(t, *composed.Angle, float64(10))
	assert.Equal(t, composed.ScaleY, nil)
	assert.Equal(t, result.Operation.Version, int64(3))
	assert.Equal(t, len(result.Companions), 1)
	assert.Equal(t, result.Companions[0].IsNoop(), true)

	// a transform against an update composes the update fields in
	update := testOp("rect", "a", 1000, 1, UpdateData{Props: Props{Left: Float(5)}})
	result = Transform(b, []Operation{update})
	assert.Equal(t, result.Operation.Type, OpTypeTransform)
	assert.Equal(t, *result.Operation.Props().Left, float64(5))
}

func TestTransformPassThrough(t *testing.T) {
	a := testOp("rect", "a", 1000, 2, UpdateData{Props: Props{Fill: String("red")}})

	// same user
	sameUser := testOp("rect", "a", 1000, 1, UpdateData{Props: Props{Fill: String("blue")}})
	result := Transform(sameUser, []Operation{a})
	assert.Equal(t, result.Operation, sameUser)
	assert.Equal(t, len(result.Companions), 0)

	// outside the concurrency window
	late := testOp("rect", "b", 2000, 1, UpdateData{Props: Props{Fill: String("blue")}})
	result = Transform(late, []Operation{a})
	assert.Equal(t, result.Operation, late)

	// different objects without bounds
	other := testOp("circle", "b", 1000, 1, UpdateData{Props: Props{Fill: String("blue")}})
	result = Transform(other, []Operation{a})
	assert.Equal(t, result.Operation, other)

	// no-ops never conflict
	noop := testOp("rect", "b", 1000, 9, UpdateData{})
	result = Transform(a, []Operation{noop})
	assert.Equal(t, result.Operation, a)
	assert.Equal(t, len(result.Companions), 0)

	// an add against an update on the same object has no rule
	add := testAdd("rect", "b", 1000, 0, 0)
	result = Transform(add, []Operation{a})
	assert.Equal(t, result.Operation, add)
}

func TestTransformConcurrencyWindow(t *testing.T) {
	transformer := NewTransformer(&TransformSettings{
		ConcurrencyWindow: 5000 * time.Millisecond,
		AddOffset:         25,
	})

	a := testAdd("rect-a", "a", 1000, 0, 0)
	b := testAdd("rect-b", "b", 4000, 0, 0)

	result := transformer.Transform(b, []Operation{a})
	assert.Equal(t, *result.Operation.Props().Left, float64(25))

	// with the default window these are sequential
	result = Transform(b, []Operation{a})
	assert.Equal(t, *result.Operation.Props().Left, float64(0))
}

func TestTransformEvaluationOrder(t *testing.T) {
	a := testAdd("rect-a", "a", 1000, 0, 0)
	b := testAdd("rect-b", "b", 1000, 0, 0)
	c := testAdd("rect-c", "a", 999, 0, 0)

	sorted := SortOperations([]Operation{b, a, c})
	assert.Equal(t, sorted[0].Id, c.Id)
	assert.Equal(t, sorted[1].Id, a.Id)
	assert.Equal(t, sorted[2].Id, b.Id)

	// ties on timestamp and user break on id
	d := testAdd("rect-d", "a", 1000, 0, 0)
	assert.Equal(t, CompareEvaluationOrder(a, d) < 0, a.Id.LessThan(d.Id))
	assert.Equal(t, CompareEvaluationOrder(a, a), 0)
}

func TestTransformDeterministic(t *testing.T) {
	local := []Operation{
		testAdd("rect-a", "a", 1000, 100, 100),
		testOp("rect", "a", 1010, 2, UpdateData{Props: Props{Fill: String("red")}}),
		testOp("rect", "c", 1020, 0, TransformData{Angle: Float(90)}),
	}
	incoming := testAdd("rect-b", "b", 1005, 100, 100)

	first := Transform(incoming, local)
	for range 16 {
		reversed := []Operation{local[2], local[1], local[0]}
		again := Transform(incoming, reversed)
		assert.Equal(t, again, first)
	}
}

func TestOperationValidate(t *testing.T) {
	valid := testAdd("rect", "a", 1000, 0, 0)
	assert.Equal(t, valid.Validate(), nil)

	missingUser := valid
	missingUser.UserId = ""
	assert.Equal(t, errors.Is(missingUser.Validate(), ErrMalformedOperation), true)

	missingObject := valid
	missingObject.ObjectId = ""
	assert.Equal(t, errors.Is(missingObject.Validate(), ErrMalformedOperation), true)

	// only a transform may leave out the object
	document := testOp("", "a", 1000, 0, TransformData{Angle: Float(90)})
	assert.Equal(t, document.Validate(), nil)
	missingObjectDelete := testOp("", "a", 1000, 0, DeleteData{})
	assert.Equal(t, errors.Is(missingObjectDelete.Validate(), ErrMalformedOperation), true)

	missingId := valid
	missingId.Id = Id{}
	assert.Equal(t, errors.Is(missingId.Validate(), ErrMalformedOperation), true)

	wrongData := valid
	wrongData.Type = OpTypeDelete
	assert.Equal(t, errors.Is(wrongData.Validate(), ErrMalformedOperation), true)

	negative := testOp("rect", "a", 1000, 0, UpdateData{Props: Props{Width: Float(-1)}})
	assert.Equal(t, errors.Is(negative.Validate(), ErrMalformedOperation), true)

	nan := testOp("rect", "a", 1000, 0, UpdateData{Props: Props{Left: Float(math.NaN())}})
	assert.Equal(t, errors.Is(nan.Validate(), ErrMalformedOperation), true)

	zeroScale := testOp("rect", "a", 1000, 0, TransformData{ScaleX: Float(0)})
	assert.Equal(t, errors.Is(zeroScale.Validate(), ErrMalformedOperation), true)
}

func TestOperationJsonCodec(t *testing.T) {
	op := testOp("rect", "a", 1000, 3, TransformData{
		ScaleX: Float(2),
		Props: Props{
			Left: Float(10),
		},
	})

	opJson, err := json.Marshal(op)
	assert.Equal(t, err, nil)

	var decoded Operation
	err = json.Unmarshal(opJson, &decoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, op)

	data, err := ParseOpData(OpTypeAdd, `{"objectType":"circle","left":1,"top":2,"radius":3}`)
	assert.Equal(t, err, nil)
	add := data.(AddData)
	assert.Equal(t, add.ObjectType, "circle")
	assert.Equal(t, *add.Radius, float64(3))

	data, err = ParseOpData(OpTypeDelete, "")
	assert.Equal(t, err, nil)
	assert.Equal(t, data, DeleteData{})

	_, err = ParseOpData(OpType("resize"), "{}")
	assert.Equal(t, errors.Is(err, ErrMalformedOperation), true)
}
