package mixer

import (
	"fmt"
	"strconv"
	"strings"
)

// App buttons are numbered 1..MaxButton. Each layer of the surface holds
// two rows of four.
const (
	MaxButton       = 16
	buttonsPerRow   = 4
	buttonsPerLayer = 2 * buttonsPerRow
)

// Rows of a user-button layer.
const (
	RowUp   = "bu"
	RowDown = "bd"
)

// PressedValue is the value a physical button reports when pressed.
const PressedValue = 127

// Button is the physical location of an app button.
type Button struct {
	Layer int
	Index int
	Row   string
}

// Fields of a user button.
const (
	FieldMode = "mode"
	FieldCh   = "ch"
	FieldCC   = "cc"
	FieldVal  = "val"
	FieldName = "name"
)

// ButtonFor maps an app button to its physical location.
func ButtonFor(n int) (Button, error) {
	if n < 1 || n > MaxButton {
		return Button{}, fmt.Errorf("button %d out of range 1..%d", n, MaxButton)
	}
	pos := (n - 1) % buttonsPerLayer
	row := RowUp
	if pos >= buttonsPerRow {
		row = RowDown
	}
	return Button{
		Layer: (n-1)/buttonsPerLayer + 1,
		Index: pos%buttonsPerRow + 1,
		Row:   row,
	}, nil
}

// AppButton is the inverse of ButtonFor.
func (b Button) AppButton() (int, bool) {
	if b.Index < 1 || b.Index > buttonsPerRow || b.Layer < 1 {
		return 0, false
	}
	pos := b.Index - 1
	switch b.Row {
	case RowUp:
	case RowDown:
		pos += buttonsPerRow
	default:
		return 0, false
	}
	n := (b.Layer-1)*buttonsPerLayer + pos + 1
	if n > MaxButton {
		return 0, false
	}
	return n, true
}

// Address returns the command address of one field of the button.
func (b Button) Address(field string) string {
	return fmt.Sprintf("/$ctl/user/%d/%d/%s/%s", b.Layer, b.Index, b.Row, field)
}

// SubscriptionAddress asks the mixer to stream changes to listenPort.
func SubscriptionAddress(listenPort int) string {
	return fmt.Sprintf("/%%%d/*S", listenPort)
}

// ParsePress decodes /$ctl/user/U{layer}/{index}/{bu|bd}/val into an app
// button.
func ParsePress(address string) (int, bool) {
	parts := strings.Split(strings.TrimPrefix(address, "/"), "/")
	if len(parts) != 6 || parts[0] != "$ctl" || parts[1] != "user" || parts[5] != FieldVal {
		return 0, false
	}
	if !strings.HasPrefix(parts[2], "U") {
		return 0, false
	}
	layer, err := strconv.Atoi(parts[2][1:])
	if err != nil {
		return 0, false
	}
	index, err := strconv.Atoi(parts[3])
	if err != nil {
		return 0, false
	}
	return Button{Layer: layer, Index: index, Row: parts[4]}.AppButton()
}

// TriggerPrefix is the address prefix of direct app triggers.
const TriggerPrefix = "/ac/trigger/wing/"

// ParseTrigger decodes /ac/trigger/wing/{buttonId}.
func ParseTrigger(address string) (int, bool) {
	if !strings.HasPrefix(address, TriggerPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(address, TriggerPrefix))
	if err != nil || n < 1 || n > MaxButton {
		return 0, false
	}
	return n, true
}
