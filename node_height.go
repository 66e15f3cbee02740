package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

// heightAnnouncement is the payload published on the height topic
type heightAnnouncement struct {
	Height int32 `json:"height"`
}

func decodeHeightAnnouncement(data []byte) (int32, error) {
	var ann heightAnnouncement
	if err := json.Unmarshal(data, &ann); err != nil {
		return 0, fmt.Errorf("invalid height announcement: %w", err)
	}

	if ann.Height < 0 {
		return 0, fmt.Errorf("invalid height announcement: negative height %d", ann.Height)
	}

	return ann.Height, nil
}

func (s *Node) initGossipSub(ctx context.Context) error {
	ps, err := pubsub.NewGossipSub(ctx, s.host,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign)) // Ensure messages are signed and verified
	if err != nil {
		return err
	}

	if err := ps.RegisterTopicValidator(s.config.HeightTopic, s.validateHeightAnnouncement); err != nil {
		return err
	}

	topic, err := ps.Join(s.config.HeightTopic)
	if err != nil {
		return err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		return err
	}

	s.logger.Infof("[Node] joined topic: %s", s.config.HeightTopic)

	s.runMu.Lock()
	s.heightTopic = topic
	s.runMu.Unlock()

	s.goRun(func() {
		defer sub.Cancel()
		s.handleHeightAnnouncements(ctx, sub)
	})

	return nil
}

func (s *Node) handleHeightAnnouncements(ctx context.Context, sub *pubsub.Subscription) {
	for {
		m, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
				s.logger.Errorf("[Node] error getting msg from %s topic: %v", s.config.HeightTopic, err)
			}

			return
		}

		if m.ReceivedFrom == s.host.ID() {
			continue
		}

		// the validator already rejected anything that does not decode
		height, err := decodeHeightAnnouncement(m.Data)
		if err != nil {
			continue
		}

		s.UpdatePeerHeight(m.GetFrom(), height)
	}
}

// validateHeightAnnouncement stops malformed announcements from spreading and
// scores the peer that relayed them.
func (s *Node) validateHeightAnnouncement(_ context.Context, from peer.ID, m *pubsub.Message) pubsub.ValidationResult {
	if from == s.host.ID() {
		return pubsub.ValidationAccept
	}

	if _, err := decodeHeightAnnouncement(m.Data); err != nil {
		s.misbehaving(from, invalidAnnouncementScore, err.Error())
		return pubsub.ValidationReject
	}

	return pubsub.ValidationAccept
}

// UpdatePeerHeight records the chain height a connected peer announced. The
// first height seen for a connection becomes its starting height.
func (s *Node) UpdatePeerHeight(peerID peer.ID, height int32) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()

	cp, ok := s.peers[peerID]
	if !ok {
		return
	}

	if !cp.seenHeight {
		cp.startingHeight = height
		cp.seenHeight = true
	}

	cp.syncedHeight = height
	cp.lastRecv = time.Now()
}

// SetLocalHeight sets this node's chain height and announces it to peers.
func (s *Node) SetLocalHeight(height int32) {
	s.heightMu.Lock()
	s.localHeight = height
	s.heightMu.Unlock()

	s.announceHeight()
}

// LocalHeight returns the chain height this node announces.
func (s *Node) LocalHeight() int32 {
	s.heightMu.RLock()
	defer s.heightMu.RUnlock()

	return s.localHeight
}

func (s *Node) announceHeightLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.HeightAnnounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.announceHeight()
		}
	}
}

func (s *Node) announceHeight() {
	s.runMu.Lock()
	ctx, topic := s.runCtx, s.heightTopic
	s.runMu.Unlock()

	if ctx == nil || topic == nil || !s.gater.Active() || s.closed.Load() {
		return
	}

	data, err := json.Marshal(heightAnnouncement{Height: s.LocalHeight()})
	if err != nil {
		s.logger.Errorf("[Node] error encoding height announcement: %v", err)
		return
	}

	if err := topic.Publish(ctx, data); err != nil {
		if ctx.Err() == nil {
			s.logger.Debugf("[Node] error publishing height: %v", err)
		}

		return
	}

	s.markSent(topic.ListPeers(), time.Now())
}

// markSent sets the last send time of the connected peers among ids
func (s *Node) markSent(ids []peer.ID, at time.Time) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()

	for _, id := range ids {
		if cp, ok := s.peers[id]; ok {
			cp.lastSend = at
		}
	}
}
