package mesh

import "github.com/dkeye/voicemesh/internal/domain"

// IsOfferer reports whether local sends the offer to remote. Both sides
// evaluate it with swapped arguments and always agree.
func IsOfferer(local, remote domain.ParticipantID) bool {
	return local < remote
}
