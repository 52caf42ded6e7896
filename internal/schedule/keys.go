package schedule

import (
	"fmt"
	"hash/fnv"
)

// MaxSecondaryAlarms is the number of day-indexed alarms a weekly rule can
// hold besides its primary one.
const MaxSecondaryAlarms = 6

// RequestCode derives the alarm key for a string using 32-bit FNV-1a
// (offset basis 2166136261, prime 16777619), reinterpreted as a signed int.
func RequestCode(key string) int32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int32(h.Sum32())
}

// AlarmKey returns the string hashed into the request code for the rule's
// primary alarm (dayIndex 0) or one of its weekly secondary alarms.
func AlarmKey(ruleID string, dayIndex int) string {
	if dayIndex == 0 {
		return ruleID
	}
	return fmt.Sprintf("%s_%d", ruleID, dayIndex)
}

// RuleRequestCode is RequestCode(AlarmKey(ruleID, dayIndex)).
func RuleRequestCode(ruleID string, dayIndex int) int32 {
	return RequestCode(AlarmKey(ruleID, dayIndex))
}

// WorkName is the unique job name shared by the receiver-enqueued job and
// the fallback delayed job of an alarm.
func WorkName(ruleID string, dayIndex int) string {
	if dayIndex == 0 {
		return "notif_" + ruleID
	}
	return fmt.Sprintf("notif_%s_%d", ruleID, dayIndex)
}

// AllWorkNames lists every work name a rule can own.
func AllWorkNames(ruleID string) []string {
	names := make([]string, 0, MaxSecondaryAlarms+1)
	for i := 0; i <= MaxSecondaryAlarms; i++ {
		names = append(names, WorkName(ruleID, i))
	}
	return names
}

// AllRequestCodes lists every alarm key a rule can own.
func AllRequestCodes(ruleID string) []int32 {
	codes := make([]int32, 0, MaxSecondaryAlarms+1)
	for i := 0; i <= MaxSecondaryAlarms; i++ {
		codes = append(codes, RuleRequestCode(ruleID, i))
	}
	return codes
}
