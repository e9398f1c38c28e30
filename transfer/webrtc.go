package transfer

import (
	"github.com/pion/webrtc/v4"
)

// DataChannelLabel names the data channel both peers use for file transfer.
const DataChannelLabel = "droplink-file"

type dataChannel struct {
	dc *webrtc.DataChannel
}

// WrapDataChannel adapts a pion data channel to the Channel interface.
func WrapDataChannel(dc *webrtc.DataChannel) Channel {
	return &dataChannel{dc: dc}
}

func (d *dataChannel) Send(data []byte) error {
	return d.dc.Send(data)
}

func (d *dataChannel) SendText(text string) error {
	return d.dc.SendText(text)
}

func (d *dataChannel) BufferedAmount() uint64 {
	return d.dc.BufferedAmount()
}

func (d *dataChannel) Close() error {
	return d.dc.Close()
}

// BindReceiver routes a data channel's inbound messages into a receiver and
// surfaces channel closure as an error transition. A closure after Done is a
// no-op inside the receiver.
func BindReceiver(dc *webrtc.DataChannel, receiver *Receiver) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			receiver.HandleText(string(msg.Data))
			return
		}
		receiver.HandleBinary(msg.Data)
	})
	dc.OnClose(func() {
		receiver.Fail(ErrChannelClosed)
	})
	dc.OnError(func(err error) {
		receiver.Fail(err)
	})
}

// BindSender surfaces data channel teardown to a sender mid-transfer.
func BindSender(dc *webrtc.DataChannel, sender *Sender) {
	dc.OnClose(func() {
		sender.Fail(ErrChannelClosed)
	})
	dc.OnError(func(err error) {
		sender.Fail(err)
	})
}
