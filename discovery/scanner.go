package discovery

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventServiceUpserted is emitted when a service appears or changes.
	EventServiceUpserted EventType = "service_upserted"
	// EventServiceRemoved is emitted when a previously seen service disappears.
	EventServiceRemoved EventType = "service_removed"
)

// EventType identifies service discovery updates.
type EventType string

// Event carries discovery updates for host applications.
type Event struct {
	Type    EventType
	Service DiscoveredService
}

// DiscoveredService is a coordination service endpoint found on the LAN.
type DiscoveredService struct {
	ServiceID    string
	InstanceName string
	Version      int
	HostName     string
	Port         int
	EndpointPath string
	Addresses    []string
	LastSeen     time.Time
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner discovers coordination services with periodic and manual mDNS
// browse operations.
type Scanner struct {
	cfg Config

	browse browseFunc

	mu       sync.RWMutex
	services map[string]DiscoveredService

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Scanner{
		cfg:             cfg,
		browse:          browse,
		services:        make(map[string]DiscoveredService),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *Scanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return s.startErr
}

// Stop stops background scanning.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan.
func (s *Scanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}
}

// ListServices returns the current discovered services snapshot.
func (s *Scanner) ListServices() []DiscoveredService {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredService, 0, len(s.services))
	for _, service := range s.services {
		out = append(out, service)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].InstanceName == out[j].InstanceName {
			return out[i].ServiceID < out[j].ServiceID
		}
		return out[i].InstanceName < out[j].InstanceName
	})
	return out
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	// Prime the available service list immediately.
	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredService)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				service, ok := parseEntry(entry, s.cfg.ServiceID)
				if !ok {
					continue
				}
				service.LastSeen = time.Now()
				collectedMu.Lock()
				collected[service.ServiceID] = service
				collectedMu.Unlock()
			}
		}
	}()

	// Browse reporting the scan window's own deadline or cancellation is a
	// normal end of window, not a failure; the snapshot still counts.
	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.applySnapshot(next)

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Scanner) applySnapshot(next map[string]DiscoveredService) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.services
	s.services = next

	for id, service := range next {
		old, exists := previous[id]
		if !exists || !servicesEqual(old, service) {
			s.emitEvent(Event{Type: EventServiceUpserted, Service: service})
		}
	}

	for id, service := range previous {
		if _, exists := next[id]; !exists {
			s.emitEvent(Event{Type: EventServiceRemoved, Service: service})
		}
	}
}

func (s *Scanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfServiceID string) (DiscoveredService, bool) {
	txt := txtToMap(entry.Text)

	serviceID := strings.TrimSpace(txt["service_id"])
	if serviceID == "" || serviceID == selfServiceID {
		return DiscoveredService{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = serviceID
	}

	return DiscoveredService{
		ServiceID:    serviceID,
		InstanceName: name,
		Version:      version,
		HostName:     entry.HostName,
		Port:         entry.Port,
		EndpointPath: strings.TrimSpace(txt["path"]),
		Addresses:    addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

func servicesEqual(a, b DiscoveredService) bool {
	if a.ServiceID != b.ServiceID ||
		a.InstanceName != b.InstanceName ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		a.EndpointPath != b.EndpointPath ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
