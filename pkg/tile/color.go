package tile

import (
	"image/color"
	"math"
)

// ColorOf converts c to an 8-bit-per-channel Color. Alpha is ignored.
func ColorOf(c color.Color) Color {
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return Color{float64(n.R), float64(n.G), float64(n.B)}
}

// Distance is the Euclidean distance between two colors in RGB space.
func (c Color) Distance(o Color) float64 {
	return math.Sqrt(c.DistanceSq(o))
}

// DistanceSq orders colors the same way Distance does, without the sqrt.
func (c Color) DistanceSq(o Color) float64 {
	dr := c[0] - o[0]
	dg := c[1] - o[1]
	db := c[2] - o[2]
	return dr*dr + dg*dg + db*db
}
