package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TargetDescriptor names the deployable unit and the image it should run.
type TargetDescriptor struct {
	TargetName     string
	ImageReference string
}

type targetDescriptorPayload struct {
	Name     string `json:"name"`
	ImageURI string `json:"imageUri"`
}

func (d TargetDescriptor) Validate() error {
	if strings.TrimSpace(d.TargetName) == "" {
		return errors.New("target name is required")
	}
	if strings.TrimSpace(d.ImageReference) == "" {
		return errors.New("image reference is required")
	}
	return nil
}

// MarshalTargetDescriptor encodes d as the single-element list the deploy
// backend consumes.
func MarshalTargetDescriptor(d TargetDescriptor) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal([]targetDescriptorPayload{{Name: d.TargetName, ImageURI: d.ImageReference}})
}

// ParseTargetDescriptor decodes a descriptor list; exactly one element is
// accepted.
func ParseTargetDescriptor(raw []byte) (TargetDescriptor, error) {
	var payload []targetDescriptorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return TargetDescriptor{}, fmt.Errorf("parse target descriptor: %w", err)
	}
	if len(payload) != 1 {
		return TargetDescriptor{}, fmt.Errorf("target descriptor must contain exactly one entry, got %d", len(payload))
	}
	d := TargetDescriptor{
		TargetName:     strings.TrimSpace(payload[0].Name),
		ImageReference: strings.TrimSpace(payload[0].ImageURI),
	}
	if err := d.Validate(); err != nil {
		return TargetDescriptor{}, err
	}
	return d, nil
}
