package transfer

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"droplink/config"
	"droplink/models"
)

// memChannel is an in-memory Channel that optionally feeds a Receiver
// directly, standing in for an ordered, reliable peer channel.
type memChannel struct {
	mu       sync.Mutex
	receiver *Receiver
	texts    []string
	chunks   [][]byte
	buffered uint64
	sendErr  error
}

func (c *memChannel) Send(payload []byte) error {
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.chunks = append(c.chunks, buf)
	receiver := c.receiver
	c.mu.Unlock()

	if receiver != nil {
		receiver.HandleBinary(buf)
	}
	return nil
}

func (c *memChannel) SendText(text string) error {
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.texts = append(c.texts, text)
	receiver := c.receiver
	c.mu.Unlock()

	if receiver != nil {
		receiver.HandleText(text)
	}
	return nil
}

func (c *memChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *memChannel) Close() error { return nil }

func (c *memChannel) setBuffered(n uint64) {
	c.mu.Lock()
	c.buffered = n
	c.mu.Unlock()
}

func (c *memChannel) setSendErr(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *memChannel) chunkCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

func (c *memChannel) lastChunkLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.chunks) == 0 {
		return 0
	}
	return len(c.chunks[len(c.chunks)-1])
}

func patternData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestSenderReceiverRoundTrip(t *testing.T) {
	const total = 1_000_000
	data := patternData(total)

	var (
		progressMu sync.Mutex
		percents   []int
	)

	completed := make(chan struct{})
	var gotName string
	var gotData []byte
	receiver := NewReceiver(ReceiverOptions{
		TotalSize: total,
		OnComplete: func(fileName string, data []byte) {
			gotName = fileName
			gotData = data
			close(completed)
		},
	})

	channel := &memChannel{receiver: receiver}
	done := make(chan struct{})
	sender := NewSender(channel, "holiday.zip", data, SenderOptions{
		PaceInterval: 100 * time.Microsecond,
		OnProgress: func(percent int) {
			progressMu.Lock()
			percents = append(percents, percent)
			progressMu.Unlock()
		},
		OnDone: func() { close(done) },
	})

	if err := sender.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sender.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted on second start, got %v", err)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("sender did not finish, state=%s offset=%d", sender.State(), sender.Offset())
	}
	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatalf("receiver did not complete, state=%s", receiver.State())
	}

	if sender.State() != SenderDone {
		t.Fatalf("expected sender DONE, got %s", sender.State())
	}
	if receiver.State() != ReceiverDone {
		t.Fatalf("expected receiver DONE, got %s", receiver.State())
	}

	// 61 full 16 KiB chunks plus one 576-byte tail.
	wantChunks := 62
	if got := channel.chunkCount(); got != wantChunks {
		t.Fatalf("expected %d chunks, got %d", wantChunks, got)
	}
	if got := channel.lastChunkLen(); got != 576 {
		t.Fatalf("expected 576-byte final chunk, got %d", got)
	}

	if gotName != "holiday.zip" {
		t.Fatalf("expected file name to survive transfer, got %q", gotName)
	}
	if !bytes.Equal(gotData, data) {
		t.Fatalf("reassembled data differs from original (%d vs %d bytes)", len(gotData), len(data))
	}

	progressMu.Lock()
	defer progressMu.Unlock()
	if len(percents) != wantChunks {
		t.Fatalf("expected one progress report per chunk, got %d", len(percents))
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("progress regressed: %d after %d", percents[i], percents[i-1])
		}
	}
	if percents[len(percents)-1] != 100 {
		t.Fatalf("expected final progress 100, got %d", percents[len(percents)-1])
	}
}

func TestSenderChunkLargerThanFileSendsSingleChunk(t *testing.T) {
	data := patternData(1024)

	completed := make(chan []byte, 1)
	receiver := NewReceiver(ReceiverOptions{
		TotalSize:  int64(len(data)),
		OnComplete: func(_ string, data []byte) { completed <- data },
	})

	channel := &memChannel{receiver: receiver}
	done := make(chan struct{})
	var (
		progressMu sync.Mutex
		percents   []int
	)
	sender := NewSender(channel, "tiny.txt", data, SenderOptions{
		ChunkSize:    DefaultChunkSize,
		PaceInterval: 100 * time.Microsecond,
		OnProgress: func(percent int) {
			progressMu.Lock()
			percents = append(percents, percent)
			progressMu.Unlock()
		},
		OnDone: func() { close(done) },
	})

	if err := sender.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("sender did not finish, state=%s", sender.State())
	}

	if got := channel.chunkCount(); got != 1 {
		t.Fatalf("expected a single chunk when chunk size exceeds the file, got %d", got)
	}
	if got := channel.lastChunkLen(); got != 1024 {
		t.Fatalf("expected the chunk capped at the file size, got %d", got)
	}

	progressMu.Lock()
	if len(percents) != 1 || percents[0] != 100 {
		t.Fatalf("expected single 100%% progress report, got %v", percents)
	}
	progressMu.Unlock()

	select {
	case got := <-completed:
		if !bytes.Equal(got, data) {
			t.Fatalf("reassembled data differs from original")
		}
	case <-time.After(time.Second):
		t.Fatalf("receiver did not complete")
	}
}

func TestSenderEmptyFileReportsFullProgress(t *testing.T) {
	completed := make(chan []byte, 1)
	receiver := NewReceiver(ReceiverOptions{
		OnComplete: func(_ string, data []byte) { completed <- data },
	})

	channel := &memChannel{receiver: receiver}
	done := make(chan struct{})
	var (
		progressMu sync.Mutex
		percents   []int
	)
	sender := NewSender(channel, "empty.txt", nil, SenderOptions{
		PaceInterval: 100 * time.Microsecond,
		OnProgress: func(percent int) {
			progressMu.Lock()
			percents = append(percents, percent)
			progressMu.Unlock()
		},
		OnDone: func() { close(done) },
	})

	if err := sender.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("sender did not finish empty transfer")
	}

	if channel.chunkCount() != 0 {
		t.Fatalf("expected no chunks for empty file, got %d", channel.chunkCount())
	}

	progressMu.Lock()
	if len(percents) != 1 || percents[0] != 100 {
		t.Fatalf("expected single 100%% progress report, got %v", percents)
	}
	progressMu.Unlock()

	select {
	case data := <-completed:
		if len(data) != 0 {
			t.Fatalf("expected empty artifact, got %d bytes", len(data))
		}
	case <-time.After(time.Second):
		t.Fatalf("receiver did not complete empty transfer")
	}
}

func TestSenderPausesOnBackpressure(t *testing.T) {
	channel := &memChannel{}
	channel.setBuffered(DefaultBufferedHighWater + 1)

	sender := NewSender(channel, "paused.bin", patternData(4096), SenderOptions{
		PaceInterval: 100 * time.Microsecond,
	})
	if err := sender.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if got := sender.Offset(); got != 0 {
		t.Fatalf("expected no progress while backed up, offset=%d", got)
	}
	if sender.State() != SenderSending {
		t.Fatalf("expected sender to keep waiting, state=%s", sender.State())
	}

	channel.setBuffered(0)
	deadline := time.Now().Add(5 * time.Second)
	for sender.State() != SenderDone {
		if time.Now().After(deadline) {
			t.Fatalf("sender did not resume after drain, state=%s", sender.State())
		}
		time.Sleep(time.Millisecond)
	}
	if got := sender.Offset(); got != 4096 {
		t.Fatalf("expected full send after drain, offset=%d", got)
	}
}

func TestSenderChannelErrorTransitionsToErrored(t *testing.T) {
	channel := &memChannel{}
	channel.setSendErr(ErrChannelClosed)

	failed := make(chan error, 1)
	sender := NewSender(channel, "doomed.bin", patternData(128), SenderOptions{
		PaceInterval: 100 * time.Microsecond,
		OnError:      func(err error) { failed <- err },
	})

	if err := sender.Start(); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected channel error from Start, got %v", err)
	}
	if sender.State() != SenderErrored {
		t.Fatalf("expected ERRORED state, got %s", sender.State())
	}

	select {
	case err := <-failed:
		if !errors.Is(err, ErrChannelClosed) {
			t.Fatalf("expected ErrChannelClosed via OnError, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("OnError was not called")
	}
}

func TestSenderFailStopsActiveTransfer(t *testing.T) {
	channel := &memChannel{}
	channel.setBuffered(DefaultBufferedHighWater + 1)

	failed := make(chan error, 1)
	sender := NewSender(channel, "aborted.bin", patternData(1024), SenderOptions{
		OnError: func(err error) { failed <- err },
	})
	if err := sender.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	sender.Fail(ErrChannelClosed)
	if sender.State() != SenderErrored {
		t.Fatalf("expected ERRORED after Fail, got %s", sender.State())
	}
	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatalf("OnError was not called")
	}

	// Fail after a terminal state is a no-op.
	sender.Fail(errors.New("again"))
	select {
	case err := <-failed:
		t.Fatalf("unexpected second OnError: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestReceiverIgnoresOutOfOrderControlUnits(t *testing.T) {
	receiver := NewReceiver(ReceiverOptions{})

	// Chunks and end markers before the metadata unit are dropped.
	receiver.HandleBinary([]byte("early"))
	receiver.HandleText(`{"type":"done"}`)
	if receiver.State() != ReceiverWaitingForMetadata {
		t.Fatalf("expected receiver still waiting, got %s", receiver.State())
	}
	if receiver.Received() != 0 {
		t.Fatalf("expected no buffered bytes, got %d", receiver.Received())
	}

	receiver.HandleText(`{"type":"meta","name":"photo.jpg"}`)
	if receiver.State() != ReceiverReceiving {
		t.Fatalf("expected RECEIVING after metadata, got %s", receiver.State())
	}
	if receiver.FileName() != "photo.jpg" {
		t.Fatalf("expected captured file name, got %q", receiver.FileName())
	}

	// A second metadata unit mid-transfer is ignored.
	receiver.HandleText(`{"type":"meta","name":"other.jpg"}`)
	if receiver.FileName() != "photo.jpg" {
		t.Fatalf("expected first file name to stick, got %q", receiver.FileName())
	}

	// Unknown control units and garbage are ignored.
	receiver.HandleText(`{"type":"mystery"}`)
	receiver.HandleText(`not json`)
	if receiver.State() != ReceiverReceiving {
		t.Fatalf("expected RECEIVING to survive junk, got %s", receiver.State())
	}
}

func TestReceiverFailDropsBufferedChunks(t *testing.T) {
	failed := make(chan error, 1)
	receiver := NewReceiver(ReceiverOptions{
		OnError: func(err error) { failed <- err },
	})

	receiver.HandleText(`{"type":"meta","name":"torn.bin"}`)
	receiver.HandleBinary(patternData(256))
	if receiver.Received() != 256 {
		t.Fatalf("expected 256 buffered bytes, got %d", receiver.Received())
	}

	receiver.Fail(ErrChannelClosed)
	if receiver.State() != ReceiverErrored {
		t.Fatalf("expected ERRORED after Fail, got %s", receiver.State())
	}
	select {
	case err := <-failed:
		if !errors.Is(err, ErrChannelClosed) {
			t.Fatalf("expected ErrChannelClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("OnError was not called")
	}

	// Further input and failures after the terminal state are no-ops.
	receiver.HandleBinary([]byte("late"))
	receiver.Fail(errors.New("again"))
	select {
	case err := <-failed:
		t.Fatalf("unexpected second OnError: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestChunkSizeFor(t *testing.T) {
	if got := ChunkSizeFor(models.DeviceClassMobile); got != DefaultMobileChunkSize {
		t.Fatalf("expected mobile chunk size %d, got %d", DefaultMobileChunkSize, got)
	}
	if got := ChunkSizeFor(models.DeviceClassDesktop); got != DefaultChunkSize {
		t.Fatalf("expected desktop chunk size %d, got %d", DefaultChunkSize, got)
	}
	if got := ChunkSizeFor("toaster"); got != DefaultChunkSize {
		t.Fatalf("expected desktop default for unknown class, got %d", got)
	}
}

func TestSenderOptionsFromConfig(t *testing.T) {
	cfg := &config.ServiceConfig{
		ChunkSize:         32 * 1024,
		MobileChunkSize:   8 * 1024,
		BufferedHighWater: 256 * 1024,
		PaceIntervalMS:    10,
	}

	desktop := SenderOptionsFromConfig(cfg, models.DeviceClassDesktop)
	if desktop.ChunkSize != 32*1024 {
		t.Fatalf("expected desktop chunk size %d, got %d", 32*1024, desktop.ChunkSize)
	}
	if desktop.HighWater != 256*1024 {
		t.Fatalf("expected high water %d, got %d", 256*1024, desktop.HighWater)
	}
	if desktop.PaceInterval != 10*time.Millisecond {
		t.Fatalf("expected pace interval %v, got %v", 10*time.Millisecond, desktop.PaceInterval)
	}

	mobile := SenderOptionsFromConfig(cfg, models.DeviceClassMobile)
	if mobile.ChunkSize != 8*1024 {
		t.Fatalf("expected mobile chunk size %d, got %d", 8*1024, mobile.ChunkSize)
	}

	// A zeroed config falls through to the package defaults once the sender
	// applies them.
	empty := SenderOptionsFromConfig(&config.ServiceConfig{}, models.DeviceClassDesktop).withDefaults()
	if empty.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected default chunk size %d, got %d", DefaultChunkSize, empty.ChunkSize)
	}
	if empty.HighWater != DefaultBufferedHighWater {
		t.Fatalf("expected default high water %d, got %d", DefaultBufferedHighWater, empty.HighWater)
	}
	if empty.PaceInterval != DefaultPaceInterval {
		t.Fatalf("expected default pace interval %v, got %v", DefaultPaceInterval, empty.PaceInterval)
	}
}

func TestPercentOf(t *testing.T) {
	cases := []struct {
		transferred, total int64
		want               int
	}{
		{0, 1000, 0},
		{500, 1000, 50},
		{999, 1000, 100},
		{1, 1000, 0},
		{5, 1000, 1},
		{1000, 1000, 100},
		{0, 0, 100},
		{10, -1, 100},
	}
	for _, tc := range cases {
		if got := percentOf(tc.transferred, tc.total); got != tc.want {
			t.Fatalf("percentOf(%d, %d) = %d, want %d", tc.transferred, tc.total, got, tc.want)
		}
	}
}
