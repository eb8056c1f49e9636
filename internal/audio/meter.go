package audio

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/zaf/g711"
)

// payload type of PCMU in the static RTP table
const payloadTypePCMU = 0

type Stats struct {
	Packets uint64  `json:"packets"`
	Bytes   uint64  `json:"bytes"`
	Lost    uint64  `json:"lost"`
	LevelDB float64 `json:"level_db"`

	lastSeq uint16
	started bool
}

// Meter counts what arrives from each remote participant. It does no playout.
type Meter struct {
	mu    sync.Mutex
	peers map[domain.ParticipantID]*Stats
	pcm   []int16
}

func NewMeter() *Meter {
	return &Meter{peers: make(map[domain.ParticipantID]*Stats)}
}

// Consume reads RTP from track until it ends or ctx is done.
func (m *Meter) Consume(ctx context.Context, remote domain.ParticipantID, track *webrtc.TrackRemote) {
	logger := log.With().Str("module", "audio.meter").Stringer("peer", remote).Logger()
	logger.Info().Str("codec", track.Codec().MimeType).Msg("remote audio started")
	for ctx.Err() == nil {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug().Err(err).Msg("remote audio read")
			}
			break
		}
		m.Observe(remote, pkt)
	}
	logger.Info().Msg("remote audio ended")
}

func (m *Meter) Observe(remote domain.ParticipantID, pkt *rtp.Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.peers[remote]
	if !ok {
		st = &Stats{LevelDB: SilentDB}
		m.peers[remote] = st
	}
	st.Packets++
	st.Bytes += uint64(len(pkt.Payload))
	if st.started {
		gap := pkt.SequenceNumber - st.lastSeq
		// reordered or duplicate packets land in the upper half
		if gap == 0 || gap >= 0x8000 {
			return
		}
		st.Lost += uint64(gap - 1)
	}
	st.lastSeq, st.started = pkt.SequenceNumber, true

	if pkt.PayloadType == payloadTypePCMU && len(pkt.Payload) > 0 {
		m.pcm = m.pcm[:0]
		for _, b := range pkt.Payload {
			m.pcm = append(m.pcm, g711.DecodeUlawFrame(b))
		}
		st.LevelDB = DBFS(m.pcm)
	}
}

func (m *Meter) Stats(remote domain.ParticipantID) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.peers[remote]
	if !ok {
		return Stats{}, false
	}
	return *st, true
}

func (m *Meter) Snapshot() map[domain.ParticipantID]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.ParticipantID]Stats, len(m.peers))
	for id, st := range m.peers {
		out[id] = *st
	}
	return out
}

func (m *Meter) Forget(remote domain.ParticipantID) {
	m.mu.Lock()
	delete(m.peers, remote)
	m.mu.Unlock()
}
