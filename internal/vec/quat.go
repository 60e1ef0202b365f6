package vec

import "math"

// Quat описывает ориентацию в пространстве (единичный кватернион).
type Quat struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
	W float64 `json:"w" yaml:"w"`
}

// Identity возвращает кватернион без поворота
func Identity() Quat {
	return Quat{W: 1}
}

// FromYaw строит поворот вокруг вертикальной оси Y (угол в радианах)
func FromYaw(yaw float64) Quat {
	half := yaw / 2
	return Quat{Y: math.Sin(half), W: math.Cos(half)}
}

// IsZero сообщает, что кватернион не задан (все компоненты нулевые)
func (q Quat) IsZero() bool {
	return q.X == 0 && q.Y == 0 && q.Z == 0 && q.W == 0
}

// Normalized возвращает нормализованный кватернион; нулевой превращается в Identity
func (q Quat) Normalized() Quat {
	length := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
	if length == 0 {
		return Identity()
	}
	return Quat{X: q.X / length, Y: q.Y / length, Z: q.Z / length, W: q.W / length}
}
