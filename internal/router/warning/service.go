package warning

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.flowcatalyst.tech/internal/router/notification"
)

// Service is the warning feed's full surface: raise, list, acknowledge,
// clear.
type Service interface {
	AddWarning(category, severity, message, source string)
	GetAllWarnings() []Warning
	GetWarningsBySeverity(severity string) []Warning
	GetUnacknowledgedWarnings() []Warning
	AcknowledgeWarning(warningID string) bool
	ClearAllWarnings()
	ClearOldWarnings(hoursOld int)
}

// InMemoryService keeps the feed in a bounded in-memory map; the oldest
// warning is evicted when the cap is reached. Warnings are also fanned out
// to a notification.Service as they are raised.
type InMemoryService struct {
	mu          sync.RWMutex
	warnings    map[string]*Warning
	maxWarnings int
	notifier    notification.Service
}

// MaxWarnings is the default cap on the number of warnings kept in memory.
const MaxWarnings = 1000

// NewInMemoryService creates a feed capped at MaxWarnings warnings with the
// no-op notifier.
func NewInMemoryService() *InMemoryService {
	return NewInMemoryServiceWithLimit(MaxWarnings)
}

// NewInMemoryServiceWithLimit creates a feed with a custom cap.
func NewInMemoryServiceWithLimit(maxWarnings int) *InMemoryService {
	return &InMemoryService{
		warnings:    make(map[string]*Warning),
		maxWarnings: maxWarnings,
		notifier:    notification.NewNoOpService(),
	}
}

// SetNotifier replaces the default no-op notifier with a real channel wired
// up at startup.
func (s *InMemoryService) SetNotifier(n notification.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// AddWarning raises a warning and notifies: CRITICAL goes through the
// critical-error path, everything else as a regular warning notification.
func (s *InMemoryService) AddWarning(category, severity, message, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.warnings) >= s.maxWarnings {
		s.evictOldest()
	}

	warning := &Warning{
		ID:        uuid.New().String(),
		Category:  category,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now(),
		Source:    source,
	}
	s.warnings[warning.ID] = warning

	slog.Info("Warning added",
		"severity", severity,
		"category", category,
		"source", source,
		"message", message)

	if severity == SeverityCritical {
		s.notifier.NotifyCriticalError(message, source)
	} else {
		s.notifier.NotifyWarning(&notification.Warning{
			ID:        warning.ID,
			Category:  warning.Category,
			Severity:  warning.Severity,
			Message:   warning.Message,
			Timestamp: warning.Timestamp,
			Source:    warning.Source,
		})
	}
}

// evictOldest drops the warning with the earliest timestamp. Callers hold
// the write lock.
func (s *InMemoryService) evictOldest() {
	var oldestID string
	var oldestTime time.Time

	for id, w := range s.warnings {
		if oldestID == "" || w.Timestamp.Before(oldestTime) {
			oldestID = id
			oldestTime = w.Timestamp
		}
	}

	if oldestID != "" {
		delete(s.warnings, oldestID)
	}
}

// GetAllWarnings lists the feed, newest first.
func (s *InMemoryService) GetAllWarnings() []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(nil)
}

// GetWarningsBySeverity lists warnings of one severity, newest first.
func (s *InMemoryService) GetWarningsBySeverity(severity string) []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(w *Warning) bool {
		return strings.EqualFold(w.Severity, severity)
	})
}

// GetUnacknowledgedWarnings lists warnings no operator has seen yet, newest
// first.
func (s *InMemoryService) GetUnacknowledgedWarnings() []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(w *Warning) bool {
		return !w.Acknowledged
	})
}

// collect copies matching warnings out of the map sorted newest first.
// Callers hold at least the read lock.
func (s *InMemoryService) collect(filter func(*Warning) bool) []Warning {
	result := make([]Warning, 0, len(s.warnings))
	for _, w := range s.warnings {
		if filter == nil || filter(w) {
			result = append(result, *w)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})

	return result
}

// AcknowledgeWarning marks one warning as seen, reporting whether it
// existed.
func (s *InMemoryService) AcknowledgeWarning(warningID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	warning, exists := s.warnings[warningID]
	if !exists {
		return false
	}

	warning.Acknowledged = true
	slog.Info("Warning acknowledged", "warningId", warningID)
	return true
}

// ClearAllWarnings empties the feed.
func (s *InMemoryService) ClearAllWarnings() {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.warnings)
	s.warnings = make(map[string]*Warning)
	slog.Info("Cleared all warnings", "count", count)
}

// ClearOldWarnings drops warnings older than hoursOld hours.
func (s *InMemoryService) ClearOldWarnings(hoursOld int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := time.Now().Add(-time.Duration(hoursOld) * time.Hour)
	removed := 0

	for id, w := range s.warnings {
		if w.Timestamp.Before(threshold) {
			delete(s.warnings, id)
			removed++
		}
	}

	slog.Info("Cleared old warnings", "count", removed, "hoursOld", hoursOld)
}

// Count returns the current feed size.
func (s *InMemoryService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.warnings)
}
