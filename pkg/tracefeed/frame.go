package tracefeed

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/roffe/canalyzer"
)

// Frame is the JSON form of a message on the feed.
type Frame struct {
	Timestamp float64 `json:"timestamp"`
	Interface string  `json:"interface"`
	Direction string  `json:"direction,omitempty"`
	ID        uint32  `json:"id"`
	Extended  bool    `json:"extended,omitempty"`
	RTR       bool    `json:"rtr,omitempty"`
	FD        bool    `json:"fd,omitempty"`
	BRS       bool    `json:"brs,omitempty"`
	Error     bool    `json:"error,omitempty"`
	Data      string  `json:"data"`
}

func FrameFromMessage(msg canalyzer.Message) Frame {
	return Frame{
		Timestamp: msg.Timestamp().Float(),
		Interface: msg.InterfaceID().String(),
		Direction: msg.Direction().String(),
		ID:        msg.ID(),
		Extended:  msg.IsExtended(),
		RTR:       msg.IsRTR(),
		FD:        msg.IsFD(),
		BRS:       msg.IsBRS(),
		Error:     msg.IsErrorFrame(),
		Data:      strings.ToUpper(hex.EncodeToString(msg.Data())),
	}
}

// Message converts a frame posted by a client into a message to send.
func (f Frame) Message() (canalyzer.Message, error) {
	var msg canalyzer.Message
	id, err := canalyzer.ParseInterfaceID(f.Interface)
	if err != nil {
		return msg, err
	}
	data, err := hex.DecodeString(strings.ReplaceAll(f.Data, " ", ""))
	if err != nil {
		return msg, fmt.Errorf("data: %w", err)
	}
	if len(data) > canalyzer.MaxDataLength {
		return msg, fmt.Errorf("%w: %d", canalyzer.ErrInvalidLength, len(data))
	}
	msg = canalyzer.NewMessage(f.ID, data)
	msg.SetExtended(f.Extended || f.ID > canalyzer.IDMaskStandard)
	msg.SetRTR(f.RTR)
	msg.SetFD(f.FD)
	msg.SetBRS(f.FD && f.BRS)
	msg.SetInterfaceID(id)
	if !msg.ValidLength() {
		return msg, fmt.Errorf("%w: %d", canalyzer.ErrInvalidLength, len(data))
	}
	return msg, nil
}

// Envelope wraps everything written to a feed connection.
type Envelope struct {
	Type  string `json:"type"`
	Frame *Frame `json:"frame,omitempty"`
	Event *Event `json:"event,omitempty"`
}

type Event struct {
	Time    float64 `json:"time"`
	Level   string  `json:"level"`
	Source  string  `json:"source,omitempty"`
	Details string  `json:"details"`
}

func EventFromEvent(evt canalyzer.Event) Event {
	return Event{
		Time:    float64(evt.Time.UnixMicro()) / 1e6,
		Level:   evt.Type.String(),
		Source:  evt.Source,
		Details: evt.Details,
	}
}

// InterfaceInfo describes one interface on /api/interfaces.
type InterfaceInfo struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Driver       string          `json:"driver"`
	Description  string          `json:"description"`
	Details      string          `json:"details"`
	Open         bool            `json:"open"`
	State        string          `json:"state"`
	Capabilities string          `json:"capabilities"`
	Bitrate      uint32          `json:"bitrate"`
	Stats        canalyzer.Stats `json:"stats"`
}

func InterfaceInfoFrom(iface canalyzer.Interface) InterfaceInfo {
	return InterfaceInfo{
		ID:           iface.ID().String(),
		Name:         iface.Name(),
		Driver:       iface.DriverName(),
		Description:  iface.Description(),
		Details:      iface.Details(),
		Open:         iface.IsOpen(),
		State:        iface.State().String(),
		Capabilities: iface.Capabilities().String(),
		Bitrate:      iface.Config().Bitrate,
		Stats:        iface.Stats(),
	}
}
