package transport

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	flagPlain byte = 0
	flagZstd  byte = 1
)

// Codec кодирует события в JSON; тела длиннее порога сжимаются zstd.
// Первый байт кадра: признак сжатия. Безопасен для конкурентного использования.
type Codec struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewCodec создаёт кодек. threshold <= 0 отключает сжатие.
func NewCodec(threshold int) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(16<<20))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Codec{threshold: threshold, encoder: enc, decoder: dec}, nil
}

// Encode сериализует событие в кадр
func (c *Codec) Encode(ev Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	if c.threshold <= 0 || len(raw) <= c.threshold {
		frame := make([]byte, 0, len(raw)+1)
		frame = append(frame, flagPlain)
		return append(frame, raw...), nil
	}
	frame := make([]byte, 1, len(raw)/2+1)
	frame[0] = flagZstd
	return c.encoder.EncodeAll(raw, frame), nil
}

// Decode восстанавливает событие из кадра
func (c *Codec) Decode(frame []byte) (Event, error) {
	var ev Event
	if len(frame) == 0 {
		return ev, fmt.Errorf("decode event: empty frame")
	}
	body := frame[1:]
	switch frame[0] {
	case flagPlain:
	case flagZstd:
		var err error
		body, err = c.decoder.DecodeAll(body, nil)
		if err != nil {
			return ev, fmt.Errorf("decode event: zstd: %w", err)
		}
	default:
		return ev, fmt.Errorf("decode event: unknown frame flag %d", frame[0])
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	for i, v := range ev.Payload {
		ev.Payload[i] = normalizeNumbers(v)
	}
	return ev, nil
}

// normalizeNumbers заменяет json.Number: целые становятся int64, остальные float64.
// Вложенные массивы и объекты обходятся рекурсивно.
func normalizeNumbers(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []interface{}:
		for i := range x {
			x[i] = normalizeNumbers(x[i])
		}
		return x
	case map[string]interface{}:
		for k := range x {
			x[k] = normalizeNumbers(x[k])
		}
		return x
	default:
		return v
	}
}

// Close освобождает ресурсы zstd
func (c *Codec) Close() {
	c.decoder.Close()
	_ = c.encoder.Close()
}
