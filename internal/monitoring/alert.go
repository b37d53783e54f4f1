package monitoring

import (
	"github.com/rs/zerolog/log"
)

// Alert raises an operator alert (logs for now; paging hookup comes later).
func Alert(message string, labels map[string]string) {
	log.Error().
		Str("alert", message).
		Fields(labels).
		Msg("ALERT: manual remediation required")
}
