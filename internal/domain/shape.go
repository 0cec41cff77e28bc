package domain

import (
	"encoding/json"
	"fmt"
	"math"
)

type Kind string

const (
	KindRectangle Kind = "rectangle"
	KindCircle    Kind = "circle"
	KindLine      Kind = "line"
	KindPencil    Kind = "pencil"
	KindText      Kind = "text"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Style holds the fields shared by every shape variant. BackgroundColor and
// FillPattern are only meaningful for rectangles and circles.
type Style struct {
	StrokeColor     string  `json:"strokeColor"`
	StrokeWidth     float64 `json:"strokeWidth"`
	BackgroundColor string  `json:"backgroundColor,omitempty"`
	FillPattern     string  `json:"fillPattern,omitempty"`
}

// Geometry is the variant part of a Shape. The set of implementations is
// closed: Rectangle, Circle, Line, Pencil and Text.
type Geometry interface {
	Kind() Kind
	validate() error
}

type Rectangle struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Circle struct {
	CenterX float64 `json:"centerX"`
	CenterY float64 `json:"centerY"`
	Radius  float64 `json:"radius"`
}

type Line struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

type Pencil struct {
	Points []Point `json:"points"`
}

type Text struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Text     string  `json:"text"`
	FontSize float64 `json:"fontSize"`
}

func (Rectangle) Kind() Kind { return KindRectangle }
func (Circle) Kind() Kind    { return KindCircle }
func (Line) Kind() Kind      { return KindLine }
func (Pencil) Kind() Kind    { return KindPencil }
func (Text) Kind() Kind      { return KindText }

// Shape is one drawable primitive. ID is assigned by the creating client and
// never changes; edits replace the whole value.
type Shape struct {
	ID       string
	Style    Style
	Geometry Geometry
}

// Kind returns the variant tag, or "" when the geometry is unset.
func (s Shape) Kind() Kind {
	if s.Geometry == nil {
		return ""
	}
	return s.Geometry.Kind()
}

// Validate checks the shape against the schema. Failures wrap ErrInvalidShape.
func (s Shape) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidShape)
	}
	if s.Geometry == nil {
		return fmt.Errorf("%w: missing geometry", ErrInvalidShape)
	}
	if !finite(s.Style.StrokeWidth) || s.Style.StrokeWidth < 0 {
		return fmt.Errorf("%w: strokeWidth must be a non-negative number", ErrInvalidShape)
	}
	if s.Style.BackgroundColor != "" || s.Style.FillPattern != "" {
		if k := s.Kind(); k != KindRectangle && k != KindCircle {
			return fmt.Errorf("%w: %s does not support fill", ErrInvalidShape, k)
		}
	}
	if err := s.Geometry.validate(); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInvalidShape, s.Kind(), err.Error())
	}
	return nil
}

type geometryError string

func (e geometryError) Error() string { return string(e) }

func (r Rectangle) validate() error {
	if !finite(r.X, r.Y, r.Width, r.Height) {
		return geometryError("coordinates must be finite")
	}
	return nil
}

func (c Circle) validate() error {
	if !finite(c.CenterX, c.CenterY, c.Radius) {
		return geometryError("coordinates must be finite")
	}
	if c.Radius < 0 {
		return geometryError("radius must not be negative")
	}
	return nil
}

func (l Line) validate() error {
	if !finite(l.X1, l.Y1, l.X2, l.Y2) {
		return geometryError("coordinates must be finite")
	}
	return nil
}

func (p Pencil) validate() error {
	if len(p.Points) == 0 {
		return geometryError("at least one point is required")
	}
	for _, pt := range p.Points {
		if !finite(pt.X, pt.Y) {
			return geometryError("coordinates must be finite")
		}
	}
	return nil
}

func (t Text) validate() error {
	if !finite(t.X, t.Y, t.Width, t.Height, t.FontSize) {
		return geometryError("coordinates must be finite")
	}
	if t.Text == "" {
		return geometryError("text is required")
	}
	if t.FontSize <= 0 {
		return geometryError("fontSize must be positive")
	}
	return nil
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// shapeEnvelope is the wire form: {"id": "...", "shape": {"type": "...", ...}}.
type shapeEnvelope struct {
	ID    string          `json:"id"`
	Shape json.RawMessage `json:"shape"`
}

func (s Shape) MarshalJSON() ([]byte, error) {
	body, err := s.MarshalBody()
	if err != nil {
		return nil, err
	}
	return json.Marshal(shapeEnvelope{ID: s.ID, Shape: body})
}

// MarshalBody encodes the inner "shape" object: the type tag, the geometry
// fields and the style fields flattened together.
func (s Shape) MarshalBody() ([]byte, error) {
	var v any
	switch g := s.Geometry.(type) {
	case Rectangle:
		v = struct {
			Type Kind `json:"type"`
			Rectangle
			Style
		}{KindRectangle, g, s.Style}
	case Circle:
		v = struct {
			Type Kind `json:"type"`
			Circle
			Style
		}{KindCircle, g, s.Style}
	case Line:
		v = struct {
			Type Kind `json:"type"`
			Line
			Style
		}{KindLine, g, s.Style}
	case Pencil:
		v = struct {
			Type Kind `json:"type"`
			Pencil
			Style
		}{KindPencil, g, s.Style}
	case Text:
		v = struct {
			Type Kind `json:"type"`
			Text
			Style
		}{KindText, g, s.Style}
	default:
		return nil, fmt.Errorf("%w: unsupported geometry %T", ErrInvalidShape, s.Geometry)
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("domain.Shape.MarshalBody: %w", err)
	}
	return b, nil
}

func (s *Shape) UnmarshalJSON(data []byte) error {
	var env shapeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidShape, err.Error())
	}
	shape, err := DecodeShape(env.ID, env.Shape)
	if err != nil {
		return err
	}
	*s = shape
	return nil
}

// DecodeShape builds a Shape from an ID and the inner "shape" object. It does
// not run Validate.
func DecodeShape(id string, body []byte) (Shape, error) {
	if len(body) == 0 {
		return Shape{}, fmt.Errorf("%w: missing shape body", ErrInvalidShape)
	}

	var head struct {
		Type Kind `json:"type"`
		Style
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return Shape{}, fmt.Errorf("%w: %s", ErrInvalidShape, err.Error())
	}

	var (
		g   Geometry
		err error
	)
	switch head.Type {
	case KindRectangle:
		g, err = decodeGeometry[Rectangle](body)
	case KindCircle:
		g, err = decodeGeometry[Circle](body)
	case KindLine:
		g, err = decodeGeometry[Line](body)
	case KindPencil:
		g, err = decodeGeometry[Pencil](body)
	case KindText:
		g, err = decodeGeometry[Text](body)
	default:
		return Shape{}, fmt.Errorf("%w: unknown type %q", ErrInvalidShape, head.Type)
	}
	if err != nil {
		return Shape{}, err
	}

	return Shape{ID: id, Style: head.Style, Geometry: g}, nil
}

func decodeGeometry[T Geometry](body []byte) (Geometry, error) {
	var g T
	if err := json.Unmarshal(body, &g); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidShape, err.Error())
	}
	return g, nil
}
