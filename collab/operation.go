package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var ErrMalformedOperation = errors.New("malformed operation")

type OpType string

const (
	OpTypeAdd       OpType = "add"
	OpTypeUpdate    OpType = "update"
	OpTypeDelete    OpType = "delete"
	OpTypeTransform OpType = "transform"
)

func (self OpType) IsValid() bool {
	switch self {
	case OpTypeAdd, OpTypeUpdate, OpTypeDelete, OpTypeTransform:
		return true
	default:
		return false
	}
}

func Float(v float64) *float64 {
	return &v
}

func String(v string) *string {
	return &v
}

// Props are the object fields an operation touches. Unset fields are nil.
// Positional: Left, Top. Size: Width, Height, Radius. Style: Fill, Stroke, Color.
type Props struct {
	Left   *float64 `json:"left,omitempty"`
	Top    *float64 `json:"top,omitempty"`
	Width  *float64 `json:"width,omitempty"`
	Height *float64 `json:"height,omitempty"`
	Radius *float64 `json:"radius,omitempty"`
	Fill   *string  `json:"fill,omitempty"`
	Stroke *string  `json:"stroke,omitempty"`
	Color  *string  `json:"color,omitempty"`
	Text   *string  `json:"text,omitempty"`
}

func (self Props) IsEmpty() bool {
	return self == Props{}
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return Float(*v)
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	return String(*v)
}

func (self Props) Clone() Props {
	return Props{
		Left:   cloneFloat(self.Left),
		Top:    cloneFloat(self.Top),
		Width:  cloneFloat(self.Width),
		Height: cloneFloat(self.Height),
		Radius: cloneFloat(self.Radius),
		Fill:   cloneString(self.Fill),
		Stroke: cloneString(self.Stroke),
		Color:  cloneString(self.Color),
		Text:   cloneString(self.Text),
	}
}

// Overlay returns a copy of self with every field set in `other` replaced.
func (self Props) Overlay(other Props) Props {
	out := self.Clone()
	if other.Left != nil {
		out.Left = cloneFloat(other.Left)
	}
	if other.Top != nil {
		out.Top = cloneFloat(other.Top)
	}
	if other.Width != nil {
		out.Width = cloneFloat(other.Width)
	}
	if other.Height != nil {
		out.Height = cloneFloat(other.Height)
	}
	if other.Radius != nil {
		out.Radius = cloneFloat(other.Radius)
	}
	if other.Fill != nil {
		out.Fill = cloneString(other.Fill)
	}
	if other.Stroke != nil {
		out.Stroke = cloneString(other.Stroke)
	}
	if other.Color != nil {
		out.Color = cloneString(other.Color)
	}
	if other.Text != nil {
		out.Text = cloneString(other.Text)
	}
	return out
}

func (self Props) validate() error {
	for name, v := range map[string]*float64{
		"left":   self.Left,
		"top":    self.Top,
		"width":  self.Width,
		"height": self.Height,
		"radius": self.Radius,
	} {
		if v == nil {
			continue
		}
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			return fmt.Errorf("%s is not finite", name)
		}
	}
	for name, v := range map[string]*float64{
		"width":  self.Width,
		"height": self.Height,
		"radius": self.Radius,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s is negative", name)
		}
	}
	return nil
}

// OpData is the payload of an operation. The concrete type is decided by the operation type:
// `AddData`, `UpdateData`, `DeleteData`, `TransformData`.
type OpData interface {
	OpType() OpType
}

type AddData struct {
	ObjectType string `json:"objectType,omitempty"`
	Props
}

func (self AddData) OpType() OpType {
	return OpTypeAdd
}

type UpdateData struct {
	Props
}

func (self UpdateData) OpType() OpType {
	return OpTypeUpdate
}

type DeleteData struct {
}

func (self DeleteData) OpType() OpType {
	return OpTypeDelete
}

type TransformData struct {
	ScaleX *float64 `json:"scaleX,omitempty"`
	ScaleY *float64 `json:"scaleY,omitempty"`
	Angle  *float64 `json:"angle,omitempty"`
	Props
}

func (self TransformData) OpType() OpType {
	return OpTypeTransform
}

func (self TransformData) scaleX() float64 {
	if self.ScaleX == nil {
		return 1
	}
	return *self.ScaleX
}

func (self TransformData) scaleY() float64 {
	if self.ScaleY == nil {
		return 1
	}
	return *self.ScaleY
}

func (self TransformData) angle() float64 {
	if self.Angle == nil {
		return 0
	}
	return *self.Angle
}

// Operation is an immutable edit intent.
// Rewrites always produce a new value; the engine never mutates an input.
type Operation struct {
	Id        Id
	Type      OpType
	ObjectId  string
	UserId    string
	Timestamp int64
	Version   int64
	Data      OpData
}

func NewOperation(objectId string, userId string, timestamp int64, version int64, data OpData) Operation {
	return Operation{
		Id:        NewId(),
		Type:      data.OpType(),
		ObjectId:  objectId,
		UserId:    userId,
		Timestamp: timestamp,
		Version:   version,
		Data:      data,
	}
}

// Props of the payload. Delete operations have none.
func (self Operation) Props() Props {
	switch v := self.Data.(type) {
	case AddData:
		return v.Props
	case UpdateData:
		return v.Props
	case TransformData:
		return v.Props
	default:
		return Props{}
	}
}

func (self Operation) WithData(data OpData) Operation {
	op := self
	op.Type = data.OpType()
	op.Data = data
	return op
}

// Nullified rewrites the operation into an empty update, which is a no-op for every object.
// The id is kept so that the rewrite replaces the original everywhere it was seen.
func (self Operation) Nullified() Operation {
	return self.WithData(UpdateData{})
}

func (self Operation) IsNoop() bool {
	if self.Type != OpTypeUpdate {
		return false
	}
	update, ok := self.Data.(UpdateData)
	return !ok || update.Props.IsEmpty()
}

func (self Operation) Validate() error {
	malformed := func(format string, a ...any) error {
		return fmt.Errorf("%w %s: %s", ErrMalformedOperation, self.Id, fmt.Sprintf(format, a...))
	}
	if self.Id.IsZero() {
		return malformed("missing id")
	}
	if !self.Type.IsValid() {
		return malformed("unknown type %q", self.Type)
	}
	if self.UserId == "" {
		return malformed("missing user id")
	}
	// a transform without an object applies to the whole document
	if self.ObjectId == "" && self.Type != OpTypeTransform {
		return malformed("missing object id")
	}
	if self.Data == nil {
		return malformed("missing data")
	}
	if self.Data.OpType() != self.Type {
		return malformed("%s data for %s operation", self.Data.OpType(), self.Type)
	}
	if err := self.Props().validate(); err != nil {
		return malformed("%s", err)
	}
	if transform, ok := self.Data.(TransformData); ok {
		for name, v := range map[string]*float64{
			"scaleX": transform.ScaleX,
			"scaleY": transform.ScaleY,
			"angle":  transform.Angle,
		} {
			if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
				return malformed("%s is not finite", name)
			}
		}
		if transform.scaleX() == 0 || transform.scaleY() == 0 {
			return malformed("zero scale")
		}
	}
	return nil
}

func (self Operation) String() string {
	return fmt.Sprintf("%s(%s %s@%s t=%d v=%d)", self.Type, self.Id, self.ObjectId, self.UserId, self.Timestamp, self.Version)
}

type operationJson struct {
	Id        Id              `json:"id"`
	Type      OpType          `json:"type"`
	ObjectId  string          `json:"objectId,omitempty"`
	UserId    string          `json:"userId"`
	Timestamp int64           `json:"timestamp"`
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (self Operation) MarshalJSON() ([]byte, error) {
	var dataBytes json.RawMessage
	if self.Data != nil {
		var err error
		dataBytes, err = json.Marshal(self.Data)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(&operationJson{
		Id:        self.Id,
		Type:      self.Type,
		ObjectId:  self.ObjectId,
		UserId:    self.UserId,
		Timestamp: self.Timestamp,
		Version:   self.Version,
		Data:      dataBytes,
	})
}

func (self *Operation) UnmarshalJSON(src []byte) error {
	var opJson operationJson
	if err := json.Unmarshal(src, &opJson); err != nil {
		return err
	}
	data, err := decodeOpData(opJson.Type, opJson.Data)
	if err != nil {
		return err
	}
	*self = Operation{
		Id:        opJson.Id,
		Type:      opJson.Type,
		ObjectId:  opJson.ObjectId,
		UserId:    opJson.UserId,
		Timestamp: opJson.Timestamp,
		Version:   opJson.Version,
		Data:      data,
	}
	return nil
}

// ParseOpData decodes a json payload into the data variant for `opType`.
func ParseOpData(opType OpType, dataJson string) (OpData, error) {
	if !opType.IsValid() {
		return nil, fmt.Errorf("%w: unknown type %s", ErrMalformedOperation, opType)
	}
	return decodeOpData(opType, json.RawMessage(dataJson))
}

func decodeOpData(opType OpType, dataBytes json.RawMessage) (OpData, error) {
	empty := len(dataBytes) == 0 || string(dataBytes) == "null"
	switch opType {
	case OpTypeAdd:
		var data AddData
		if !empty {
			if err := json.Unmarshal(dataBytes, &data); err != nil {
				return nil, fmt.Errorf("%w: add data: %s", ErrMalformedOperation, err)
			}
		}
		return data, nil
	case OpTypeUpdate:
		var data UpdateData
		if !empty {
			if err := json.Unmarshal(dataBytes, &data); err != nil {
				return nil, fmt.Errorf("%w: update data: %s", ErrMalformedOperation, err)
			}
		}
		return data, nil
	case OpTypeDelete:
		return DeleteData{}, nil
	case OpTypeTransform:
		var data TransformData
		if !empty {
			if err := json.Unmarshal(dataBytes, &data); err != nil {
				return nil, fmt.Errorf("%w: transform data: %s", ErrMalformedOperation, err)
			}
		}
		return data, nil
	default:
		// left for `Validate` to reject
		return nil, nil
	}
}

// OperationResult is the rewritten incoming operation plus
// the rewritten local operations produced as a side effect.
type OperationResult struct {
	Operation  Operation
	Companions []Operation
}
