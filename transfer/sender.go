package transfer

import (
	"sync"
	"time"
)

// SenderState is the sender-side transfer lifecycle state.
type SenderState string

const (
	SenderIdle    SenderState = "IDLE"
	SenderSending SenderState = "SENDING"
	SenderDone    SenderState = "DONE"
	SenderErrored SenderState = "ERRORED"
)

// SenderOptions configures one outbound transfer.
type SenderOptions struct {
	// ChunkSize is the fixed chunk size; zero picks DefaultChunkSize.
	ChunkSize int
	// HighWater pauses sending while BufferedAmount exceeds it.
	HighWater uint64
	// PaceInterval is the delay between send steps.
	PaceInterval time.Duration

	// OnProgress reports percent complete after each chunk.
	OnProgress func(percent int)
	// OnDone fires once after the end marker is sent.
	OnDone func()
	// OnError fires once on the transition to Errored.
	OnError func(err error)
}

func (o SenderOptions) withDefaults() SenderOptions {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.HighWater == 0 {
		out.HighWater = DefaultBufferedHighWater
	}
	if out.PaceInterval <= 0 {
		out.PaceInterval = DefaultPaceInterval
	}
	return out
}

// Sender streams one file over a peer channel. Steps run on scheduled
// callbacks rather than a tight loop, so the host application's goroutines
// are never blocked; the only suspension points are the back-pressure wait
// and the inter-chunk pacing delay.
type Sender struct {
	channel  Channel
	fileName string
	data     []byte
	opts     SenderOptions

	mu     sync.Mutex
	state  SenderState
	offset int
	timer  *time.Timer
}

// NewSender creates an idle sender for one file.
func NewSender(channel Channel, fileName string, data []byte, options SenderOptions) *Sender {
	return &Sender{
		channel:  channel,
		fileName: fileName,
		data:     data,
		opts:     options.withDefaults(),
		state:    SenderIdle,
	}
}

// State returns the current lifecycle state.
func (s *Sender) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Offset returns how many bytes have been handed to the channel.
func (s *Sender) Offset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Start sends the metadata unit and begins the paced chunk loop. It is valid
// only from Idle; a failed or finished transfer must be restarted with a new
// Sender.
func (s *Sender) Start() error {
	s.mu.Lock()
	if s.state != SenderIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = SenderSending

	meta, err := encodeControl(controlUnit{Type: controlMeta, Name: s.fileName})
	if err != nil {
		s.failLocked(err)
		return err
	}
	if err := s.channel.SendText(meta); err != nil {
		s.failLocked(err)
		return err
	}

	s.timer = time.AfterFunc(s.opts.PaceInterval, s.step)
	s.mu.Unlock()
	return nil
}

// Fail forces the Errored state. The host calls this when it observes the
// underlying channel being torn down, so in-flight state is never ambiguous.
func (s *Sender) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SenderSending {
		return
	}
	s.errorTransition(err)
}

func (s *Sender) step() {
	s.mu.Lock()
	if s.state != SenderSending {
		s.mu.Unlock()
		return
	}

	// Back-pressure: wait without advancing while the channel is backed up.
	if s.channel.BufferedAmount() > s.opts.HighWater {
		s.timer = time.AfterFunc(s.opts.PaceInterval, s.step)
		s.mu.Unlock()
		return
	}

	total := len(s.data)
	if s.offset >= total {
		s.finishLocked(total == 0)
		return
	}

	end := s.offset + s.opts.ChunkSize
	if end > total {
		end = total
	}
	if err := s.channel.Send(s.data[s.offset:end]); err != nil {
		s.failLocked(err)
		return
	}
	s.offset = end

	percent := percentOf(int64(s.offset), int64(total))
	onProgress := s.opts.OnProgress
	s.timer = time.AfterFunc(s.opts.PaceInterval, s.step)
	s.mu.Unlock()

	if onProgress != nil {
		onProgress(percent)
	}
}

// finishLocked sends the end marker and completes. Called with s.mu held;
// releases it.
func (s *Sender) finishLocked(emptyFile bool) {
	done, err := encodeControl(controlUnit{Type: controlDone})
	if err != nil {
		s.failLocked(err)
		return
	}
	if err := s.channel.SendText(done); err != nil {
		s.failLocked(err)
		return
	}

	s.state = SenderDone
	onProgress := s.opts.OnProgress
	onDone := s.opts.OnDone
	s.mu.Unlock()

	if emptyFile && onProgress != nil {
		onProgress(100)
	}
	if onDone != nil {
		onDone()
	}
}

// failLocked transitions to Errored. Called with s.mu held; releases it.
func (s *Sender) failLocked(err error) {
	s.errorTransition(err)
	s.mu.Unlock()
}

func (s *Sender) errorTransition(err error) {
	s.state = SenderErrored
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.opts.OnError != nil {
		// Deliver on a fresh goroutine so the callback can inspect the
		// sender without re-entering its lock.
		onError := s.opts.OnError
		go onError(err)
	}
}
