package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"phone-monitor/alerting/internal/condition"
	"phone-monitor/alerting/internal/domain"
)

// BuildReason renders why a rule fired: every condition with its label,
// operator, literal and resolved value, then a short device status.
func BuildReason(rule *domain.AlertRule, device *domain.Device, snap condition.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rule '%s' triggered for %s\n\nConditions met:\n", rule.Name, device.Label())

	for _, c := range rule.Conditions.Rules {
		label := c.Field
		if f, ok := condition.ParseField(c.Field); ok {
			label = f.Label()
		}
		actual := "n/a"
		if v, ok := c.Actual(snap); ok {
			actual = formatNumber(v)
		}
		fmt.Fprintf(&b, "- %s %s %s (actual: %s)\n", label, c.Operator, c.Value.String(), actual)
	}

	b.WriteString("\nDevice Status:\n")
	if device.BatteryLevel != nil {
		fmt.Fprintf(&b, "- Battery: %d%%\n", *device.BatteryLevel)
	} else {
		b.WriteString("- Battery: unknown\n")
	}
	if device.LastSeen != nil {
		fmt.Fprintf(&b, "- Last Seen: %s\n", device.LastSeen.In(locationOf(snap)).Format("2006-01-02 15:04:05"))
	} else {
		b.WriteString("- Last Seen: never\n")
	}
	if device.FreeStorageBytes != nil {
		fmt.Fprintf(&b, "- Storage Free: %s GB\n", formatNumber(*device.FreeStorageBytes/(1<<30)))
	}
	return b.String()
}

// formatNumber rounds to two decimals and drops trailing zeros.
func formatNumber(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}

func locationOf(s condition.Snapshot) *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}
