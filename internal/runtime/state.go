package runtime

import (
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
)

// snapshotFromInspect normalizes a raw inspection record into a
// Container. Docker reports timestamps as RFC 3339 strings and encodes
// "never" as the zero time; both quirks are resolved here so the rest of
// the gateway deals in *time.Time only.
func snapshotFromInspect(resp container.InspectResponse) *Container {
	c := &Container{
		ID:        resp.ID,
		Name:      strings.TrimPrefix(resp.Name, "/"),
		CreatedAt: parseDockerTime(resp.Created),
	}

	if resp.Config != nil {
		c.Labels = resp.Config.Labels
	}
	if resp.State != nil {
		c.Status = resp.State.Status
		c.StartedAt = parseOptionalDockerTime(resp.State.StartedAt)
		c.ExitedAt = parseOptionalDockerTime(resp.State.FinishedAt)
	}
	if resp.NetworkSettings != nil {
		for _, endpoint := range resp.NetworkSettings.Networks {
			if endpoint != nil && endpoint.IPAddress != "" {
				c.IP = endpoint.IPAddress
				break
			}
		}
	}
	return c
}

// parseDockerTime parses an RFC 3339 timestamp, tolerating missing
// fractional seconds. Unparseable input yields the zero time.
func parseDockerTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// parseOptionalDockerTime maps Docker's zero timestamp
// ("0001-01-01T00:00:00Z", meaning never started/exited) to nil.
func parseOptionalDockerTime(s string) *time.Time {
	t := parseDockerTime(s)
	if t.IsZero() || t.Year() == 1 {
		return nil
	}
	return &t
}
