package model

import "strings"

// ComponentName identifies a logical field of an entity, e.g. "Color" or
// "Position3D". It maps to exactly one column within a chunk.
type ComponentName string

func (c ComponentName) String() string { return string(c) }

// ShortName strips any namespace prefix: "magnetar.components.Color"
// becomes "Color".
func (c ComponentName) ShortName() string {
	s := string(c)
	if idx := strings.LastIndexByte(s, '.'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

// ComponentDescriptor fully identifies a component column: the component
// name plus the archetype it was logged as part of, when known. Two columns
// with the same name but different archetypes are distinct on the wire but
// indexed together under their ComponentName.
type ComponentDescriptor struct {
	// Archetype the component was logged under, empty when logged bare.
	Archetype string
	// Name of the component.
	Name ComponentName
}

func (d ComponentDescriptor) String() string {
	if d.Archetype == "" {
		return string(d.Name)
	}
	return d.Archetype + ":" + string(d.Name)
}
