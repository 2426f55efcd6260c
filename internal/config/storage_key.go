package config

import (
	"fmt"
	"strings"
)

// StorageKeyStruct owns every durable key name the runner writes. Keys are
// namespaced so several runners can share one backing store.
type StorageKeyStruct struct {
	namespace string
}

// NewStorageKeyStruct returns a key schema rooted at the given namespace.
func NewStorageKeyStruct(namespace string) *StorageKeyStruct {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = "default"
	}
	return &StorageKeyStruct{namespace: namespace}
}

// Prefix returns the prefix shared by every key in this namespace.
func (k *StorageKeyStruct) Prefix() string {
	return fmt.Sprintf("runner:%s:", k.namespace)
}

func (k *StorageKeyStruct) key(name string) string {
	return k.Prefix() + name
}

// ─── Identity ──────────────────────────────────────────────────────────

// AuthenticatedKey holds the "true" authentication marker.
func (k *StorageKeyStruct) AuthenticatedKey() string { return k.key("core.isAuthenticated") }

// SessionIDKey holds the stable session id generated at login.
func (k *StorageKeyStruct) SessionIDKey() string { return k.key("core.sessionId") }

// CurrentUserKey holds the JSON user blob.
func (k *StorageKeyStruct) CurrentUserKey() string { return k.key("core.currentUser") }

// BatchCodeKey holds the user's batch code.
func (k *StorageKeyStruct) BatchCodeKey() string { return k.key("core.batchCode") }

// ExamNoKey holds the user's exam number.
func (k *StorageKeyStruct) ExamNoKey() string { return k.key("core.examNo") }

// ModuleURLKey holds the assessment module URL.
func (k *StorageKeyStruct) ModuleURLKey() string { return k.key("core.module/url") }

// ─── Progress ──────────────────────────────────────────────────────────

// CurrentPageIDKey holds the page the student is on.
func (k *StorageKeyStruct) CurrentPageIDKey() string { return k.key("core.page/currentPageId") }

// PageNumKey holds the backend-facing page number of the current page.
func (k *StorageKeyStruct) PageNumKey() string { return k.key("core.page/pageNum") }

// StepNumberKey holds the step number of the current page.
func (k *StorageKeyStruct) StepNumberKey() string { return k.key("core.page/stepNumber") }

// PageEnteredAtKey holds the RFC3339 time the current page was entered.
func (k *StorageKeyStruct) PageEnteredAtKey() string { return k.key("core.page/enteredAt") }

// TaskFinishedKey holds the task-finished flag.
func (k *StorageKeyStruct) TaskFinishedKey() string { return k.key("core.isTaskFinished") }

// TimeUpKey holds the time-up flag.
func (k *StorageKeyStruct) TimeUpKey() string { return k.key("core.isTimeUp") }

// OperationBufferKey holds the JSON mirror of the unflushed operation log.
func (k *StorageKeyStruct) OperationBufferKey() string { return k.key("core.page/operationBuffer") }

// ─── Liveness ──────────────────────────────────────────────────────────

// LastSessionEndKey holds the liveness timestamp in epoch milliseconds.
func (k *StorageKeyStruct) LastSessionEndKey() string { return k.key("core.lastSessionEndTime") }

// ─── Timers ────────────────────────────────────────────────────────────

// TimerStartKey holds the absolute start timestamp (RFC3339) of a scope.
func (k *StorageKeyStruct) TimerStartKey(scope string) string {
	return k.key(fmt.Sprintf("timer.%s.startTime", scope))
}

// TimerDurationKey holds the total duration in seconds of a scope.
func (k *StorageKeyStruct) TimerDurationKey(scope string) string {
	return k.key(fmt.Sprintf("timer.%s.duration", scope))
}

// TimerRemainingKey holds the cached remaining seconds of a scope.
func (k *StorageKeyStruct) TimerRemainingKey(scope string) string {
	return k.key(fmt.Sprintf("timer.%s.remaining", scope))
}

// TimerCheckpointKey holds the wall-clock anchor (RFC3339) the remaining
// value was last re-derived from.
func (k *StorageKeyStruct) TimerCheckpointKey(scope string) string {
	return k.key(fmt.Sprintf("timer.%s.checkpoint", scope))
}

// TimerPausedKey holds the paused flag of a scope.
func (k *StorageKeyStruct) TimerPausedKey(scope string) string {
	return k.key(fmt.Sprintf("timer.%s.paused", scope))
}

// TimerTimeoutHandledKey holds the sticky timeout-reached flag of a scope.
func (k *StorageKeyStruct) TimerTimeoutHandledKey(scope string) string {
	return k.key(fmt.Sprintf("timer.%s.timeoutHandled", scope))
}

// TimerKeys lists every key belonging to one scope.
func (k *StorageKeyStruct) TimerKeys(scope string) []string {
	return []string{
		k.TimerStartKey(scope),
		k.TimerDurationKey(scope),
		k.TimerRemainingKey(scope),
		k.TimerCheckpointKey(scope),
		k.TimerPausedKey(scope),
		k.TimerTimeoutHandledKey(scope),
	}
}

// ─── Queues & channels ─────────────────────────────────────────────────

// HeartbeatQueueKey is the Redis list backing the offline heartbeat queue.
func (k *StorageKeyStruct) HeartbeatQueueKey() string {
	return k.key(WorkerKey.HeartbeatQueue)
}

// EventsChannel is the Redis Pub/Sub channel runner events are fanned out on.
func (k *StorageKeyStruct) EventsChannel() string {
	return k.key("events")
}
