package collab

import (
	"golang.org/x/exp/maps"
)

// the canvas projection of an operation log.
// A rewritten operation (a companion that reuses a logged id) supersedes the earlier entry
// for that id at the earlier entry's position. This is what makes a nullified loser
// disappear for clients that already applied it.

type CanvasObject struct {
	Id         string  `json:"id"`
	ObjectType string  `json:"objectType,omitempty"`
	ScaleX     float64 `json:"scaleX"`
	ScaleY     float64 `json:"scaleY"`
	Angle      float64 `json:"angle"`
	Props
}

func (self CanvasObject) clone() CanvasObject {
	out := self
	out.Props = self.Props.Clone()
	return out
}

// full state snapshot, the `canvas:state` payload
type CanvasState struct {
	Objects map[string]CanvasObject `json:"objects"`
	// highest operation timestamp folded into the state
	Timestamp int64 `json:"timestamp"`
}

func NewCanvasState() CanvasState {
	return CanvasState{
		Objects: map[string]CanvasObject{},
	}
}

func (self CanvasState) Clone() CanvasState {
	objects := make(map[string]CanvasObject, len(self.Objects))
	for id, object := range self.Objects {
		objects[id] = object.clone()
	}
	return CanvasState{
		Objects:   objects,
		Timestamp: self.Timestamp,
	}
}

func (self CanvasState) ObjectIds() []string {
	return maps.Keys(self.Objects)
}

// Apply folds one operation into the state in place.
func (self *CanvasState) Apply(op Operation) {
	if self.Objects == nil {
		self.Objects = map[string]CanvasObject{}
	}
	self.Timestamp = max(self.Timestamp, op.Timestamp)

	switch v := op.Data.(type) {
	case AddData:
		object, ok := self.Objects[op.ObjectId]
		if !ok {
			object = CanvasObject{
				Id:     op.ObjectId,
				ScaleX: 1,
				ScaleY: 1,
			}
		}
		if v.ObjectType != "" {
			object.ObjectType = v.ObjectType
		}
		object.Props = object.Props.Overlay(v.Props)
		self.Objects[op.ObjectId] = object
	case UpdateData:
		if object, ok := self.Objects[op.ObjectId]; ok {
			object.Props = object.Props.Overlay(v.Props)
			self.Objects[op.ObjectId] = object
		}
	case DeleteData:
		delete(self.Objects, op.ObjectId)
	case TransformData:
		if op.ObjectId == "" {
			// document transform. Scale and rotation apply to every object, props are ignored.
			for id, object := range self.Objects {
				object.ScaleX *= v.scaleX()
				object.ScaleY *= v.scaleY()
				object.Angle += v.angle()
				self.Objects[id] = object
			}
			return
		}
		if object, ok := self.Objects[op.ObjectId]; ok {
			object.ScaleX *= v.scaleX()
			object.ScaleY *= v.scaleY()
			object.Angle += v.angle()
			object.Props = object.Props.Overlay(v.Props)
			self.Objects[op.ObjectId] = object
		}
	}
}

// EffectiveOperations collapses rewrites: each id appears once, at its first position,
// with its latest content.
func EffectiveOperations(ops []Operation) []Operation {
	effective := []Operation{}
	positions := map[Id]int{}
	for _, op := range ops {
		if i, ok := positions[op.Id]; ok {
			effective[i] = op
		} else {
			positions[op.Id] = len(effective)
			effective = append(effective, op)
		}
	}
	return effective
}

// Canvas keeps the state folded from evicted history plus a projection of the live history.
type Canvas struct {
	base CanvasState
}

func NewCanvas() *Canvas {
	return NewCanvasFromState(NewCanvasState())
}

func NewCanvasFromState(state CanvasState) *Canvas {
	return &Canvas{
		base: state.Clone(),
	}
}

// Reset replaces the base, e.g. with a relay snapshot.
func (self *Canvas) Reset(state CanvasState) {
	self.base = state.Clone()
}

// Fold permanently applies entries evicted from the history.
// EvictFunction
func (self *Canvas) Fold(evicted []HistoryEntry) {
	ops := make([]Operation, len(evicted))
	for i, entry := range evicted {
		ops[i] = entry.Operation
	}
	for _, op := range EffectiveOperations(ops) {
		self.base.Apply(op)
	}
}

// Project returns the state of the base plus `ops`.
func (self *Canvas) Project(ops []Operation) CanvasState {
	state := self.base.Clone()
	for _, op := range EffectiveOperations(ops) {
		state.Apply(op)
	}
	return state
}
