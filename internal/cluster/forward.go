package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
	"github.com/dgfacade/gateway/pkg/types/message"
)

// Forward relays a request with no local handler to the best eligible
// peer and returns that peer's response verbatim. The dispatcher
// treats ErrCodeNoEligiblePeer as "answer locally"; any other error
// becomes a forwarding failure surfaced to the caller.
func (s *Service) Forward(ctx context.Context, req *message.Request) (*message.Response, error) {
	if !s.cfg.Enabled {
		return nil, apperrors.New(apperrors.ErrCodeNoEligiblePeer, "clustering disabled")
	}
	peer := s.pickPeer(req.RequestType)
	if peer == nil {
		s.metrics.RecordClusterForward("no_peer")
		return nil, apperrors.Newf(apperrors.ErrCodeNoEligiblePeer, "no peer advertises %s", req.RequestType)
	}

	body, err := json.Marshal(req)
	if err != nil {
		s.metrics.RecordClusterForward("error")
		return nil, apperrors.Wrap(err, apperrors.ErrCodeForwardFailed, "request not serializable")
	}

	url := peer.BaseURL() + "/api/v1/request"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		s.metrics.RecordClusterForward("error")
		return nil, apperrors.Wrap(err, apperrors.ErrCodeForwardFailed, "building forward request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(ForwardHeader, s.nodeID)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		s.metrics.RecordClusterForward("error")
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeForwardFailed, "peer %s unreachable", peer.NodeID)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.metrics.RecordClusterForward("error")
		return nil, apperrors.Newf(apperrors.ErrCodeForwardFailed, "peer %s returned %d", peer.NodeID, resp.StatusCode)
	}

	var relayed message.Response
	if err := json.NewDecoder(resp.Body).Decode(&relayed); err != nil {
		s.metrics.RecordClusterForward("error")
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeForwardFailed, "peer %s reply malformed", peer.NodeID)
	}

	s.forwarded.Add(1)
	s.metrics.RecordClusterForward("success")
	s.logger.Info("request forwarded",
		logging.RequestID(req.RequestID),
		logging.RequestType(req.RequestType),
		logging.NodeID(peer.NodeID))
	return &relayed, nil
}
