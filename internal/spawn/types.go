// Package spawn реализует сетевое порождение объектов: реестр хуков
// инстанцирования, пул переиспользуемых экземпляров и привязку
// идентичности/владения к локальному экземпляру.
//
// Весь пакет рассчитан на один логический поток симуляции (тик сессии),
// поэтому структуры не защищены мьютексами.
package spawn

import (
	"fmt"

	"github.com/annel0/mmo-spawn/internal/vec"
)

// EntityTypeKey стабильное имя шаблона (префаба); по нему выбираются
// шаблон конструирования и стратегия хуков.
type EntityTypeKey string

// ParticipantID идентификатор участника сессии.
// По соглашению 0: сервер (authority).
type ParticipantID uint32

// ServerParticipant участник-сервер
const ServerParticipant ParticipantID = 0

// ViewID глобально уникальный токен сетевой сущности.
type ViewID uint32

// UnassignedViewID ещё не выданный идентификатор
const UnassignedViewID ViewID = 0

// Placement положение экземпляра в мире
type Placement struct {
	Position vec.Vec3Float `json:"position" yaml:"position"`
	Rotation vec.Quat      `json:"rotation" yaml:"rotation"`
}

// At строит размещение в точке без поворота
func At(x, y, z float64) Placement {
	return Placement{Position: vec.Vec3Float{X: x, Y: y, Z: z}, Rotation: vec.Identity()}
}

// normalized подставляет единичный поворот, если он не задан
func (p Placement) normalized() Placement {
	p.Rotation = p.Rotation.Normalized()
	return p
}

// Representation физический вариант сущности у конкретного участника
type Representation uint8

const (
	RepresentationProxy Representation = iota // копия у остальных участников
	RepresentationOwner                       // вариант владельца
)

func (r Representation) String() string {
	switch r {
	case RepresentationProxy:
		return "proxy"
	case RepresentationOwner:
		return "owner"
	default:
		return fmt.Sprintf("representation(%d)", uint8(r))
	}
}

// Phase фаза обработки одного события порождения
type Phase uint8

const (
	PhaseRequested Phase = iota
	PhaseAcquired
	PhaseBound
	PhaseActive
	PhaseReleased
)

func (p Phase) String() string {
	switch p {
	case PhaseRequested:
		return "requested"
	case PhaseAcquired:
		return "acquired"
	case PhaseBound:
		return "bound"
	case PhaseActive:
		return "active"
	case PhaseReleased:
		return "released"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// SpawnContext описывает одно событие порождения. Живёт до конца активации.
type SpawnContext struct {
	Key            EntityTypeKey
	Representation Representation
	Placement      Placement
	Identity       Identity
	Owner          ParticipantID
	Creator        ParticipantID
	Payload        []interface{}
}
