package devices

import (
	"context"
	"errors"
	"fmt"

	"meetlink/internal/media"
)

// ErrNoDeviceFound means no video input is available, usually because the
// user has not granted device permission.
var ErrNoDeviceFound = errors.New("devices: no video input found")

// VideoInputs returns the video input devices in engine order.
func VideoInputs(ctx context.Context, q media.DeviceQuerier) ([]media.Device, error) {
	all, err := q.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	var out []media.Device
	for _, d := range all {
		if d.Kind == media.KindVideoInput {
			out = append(out, d)
		}
	}
	return out, nil
}

// SelectVideoSource picks the first video input reported by the engine.
func SelectVideoSource(ctx context.Context, q media.DeviceQuerier) (string, error) {
	inputs, err := VideoInputs(ctx, q)
	if err != nil {
		return "", err
	}
	if len(inputs) == 0 {
		return "", ErrNoDeviceFound
	}
	return inputs[0].ID, nil
}
