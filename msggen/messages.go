// msggen/messages.go

package msggen

// Message is a generated payload. Each concrete type knows the identifier it is registered under.
type Message interface {
	MessageType() string
}

// Message type identifiers for the built-in generators.
const (
	TypeString    = "std_msgs/String"
	TypeInt32     = "std_msgs/Int32"
	TypeBool      = "std_msgs/Bool"
	TypeUInt8     = "std_msgs/UInt8"
	TypeFloat64   = "std_msgs/Float64"
	TypeColorRGBA = "std_msgs/ColorRGBA"
	TypePoint     = "geometry_msgs/Point"
	TypeRgb       = "custom_msgs/Rgb"
)

type String struct {
	Data string `json:"data"`
}

func (String) MessageType() string { return TypeString }

type Int32 struct {
	Data int32 `json:"data"`
}

func (Int32) MessageType() string { return TypeInt32 }

type Bool struct {
	Data bool `json:"data"`
}

func (Bool) MessageType() string { return TypeBool }

type UInt8 struct {
	Data uint8 `json:"data"`
}

func (UInt8) MessageType() string { return TypeUInt8 }

type Float64 struct {
	Data float64 `json:"data"`
}

func (Float64) MessageType() string { return TypeFloat64 }

// ColorRGBA holds channel intensities in [0, 1].
type ColorRGBA struct {
	R float32 `json:"r"`
	G float32 `json:"g"`
	B float32 `json:"b"`
	A float32 `json:"a"`
}

func (ColorRGBA) MessageType() string { return TypeColorRGBA }

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (Point) MessageType() string { return TypePoint }

// Rgb is an 8-bit colour triple.
type Rgb struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

func (Rgb) MessageType() string { return TypeRgb }
