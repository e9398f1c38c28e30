package transfer

import (
	"sync"
)

// ReceiverState is the receiver-side transfer lifecycle state.
type ReceiverState string

const (
	ReceiverWaitingForMetadata ReceiverState = "WAITING_FOR_METADATA"
	ReceiverReceiving          ReceiverState = "RECEIVING"
	ReceiverReassembling       ReceiverState = "REASSEMBLING"
	ReceiverDone               ReceiverState = "DONE"
	ReceiverErrored            ReceiverState = "ERRORED"
)

// ReceiverOptions configures one inbound transfer.
type ReceiverOptions struct {
	// TotalSize is the expected size learned from the transfer-start event,
	// when available. Zero means unknown; progress is then not reported.
	TotalSize int64

	// OnProgress reports percent complete after each received chunk.
	OnProgress func(percent int)
	// OnComplete delivers the reassembled artifact to the host application.
	OnComplete func(fileName string, data []byte)
	// OnError fires once on the transition to Errored.
	OnError func(err error)
}

// Receiver reassembles one file from an ordered chunk stream. Chunks carry no
// sequence numbers; receipt order is trusted because the channel guarantees
// ordered, reliable delivery.
type Receiver struct {
	opts ReceiverOptions

	mu       sync.Mutex
	state    ReceiverState
	fileName string
	chunks   [][]byte
	received int64
}

// NewReceiver creates a receiver waiting for the metadata unit.
func NewReceiver(options ReceiverOptions) *Receiver {
	return &Receiver{
		opts:  options,
		state: ReceiverWaitingForMetadata,
	}
}

// State returns the current lifecycle state.
func (r *Receiver) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// FileName returns the name captured from the metadata unit.
func (r *Receiver) FileName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fileName
}

// Received returns the number of chunk bytes buffered so far.
func (r *Receiver) Received() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received
}

// HandleText processes one control unit: the metadata unit or the end marker.
// Unrecognized or out-of-order control units are ignored.
func (r *Receiver) HandleText(text string) {
	unit, err := decodeControl(text)
	if err != nil {
		return
	}

	switch unit.Type {
	case controlMeta:
		r.mu.Lock()
		if r.state == ReceiverWaitingForMetadata {
			r.fileName = unit.Name
			r.state = ReceiverReceiving
		}
		r.mu.Unlock()
	case controlDone:
		r.finish()
	}
}

// HandleBinary buffers one received chunk in receipt order.
func (r *Receiver) HandleBinary(chunk []byte) {
	r.mu.Lock()
	if r.state != ReceiverReceiving {
		r.mu.Unlock()
		return
	}

	buffered := make([]byte, len(chunk))
	copy(buffered, chunk)
	r.chunks = append(r.chunks, buffered)
	r.received += int64(len(buffered))

	received := r.received
	total := r.opts.TotalSize
	onProgress := r.opts.OnProgress
	r.mu.Unlock()

	if onProgress != nil && total > 0 {
		onProgress(percentOf(received, total))
	}
}

// Fail forces the Errored state; a channel error or closure during an active
// transfer must never be a silent stop.
func (r *Receiver) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case ReceiverDone, ReceiverErrored:
		return
	}
	r.state = ReceiverErrored
	r.chunks = nil
	if r.opts.OnError != nil {
		onError := r.opts.OnError
		go onError(err)
	}
}

func (r *Receiver) finish() {
	r.mu.Lock()
	if r.state != ReceiverReceiving {
		r.mu.Unlock()
		return
	}
	r.state = ReceiverReassembling

	data := make([]byte, 0, r.received)
	for _, chunk := range r.chunks {
		data = append(data, chunk...)
	}
	r.chunks = nil
	r.state = ReceiverDone

	fileName := r.fileName
	onComplete := r.opts.OnComplete
	r.mu.Unlock()

	if onComplete != nil {
		onComplete(fileName, data)
	}
}
