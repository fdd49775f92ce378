package call

import (
	"encoding/json"
	"fmt"
)

// PeerSession is an established local media session bound to a peer
// connection. Close releases the local media tracks and the peer
// connection; it must be safe to call once per session.
type PeerSession interface {
	CreateOffer() (json.RawMessage, error)
	CreateAnswer() (json.RawMessage, error)
	SetRemoteDescription(desc json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error
	Close() error
}

// MediaProvider acquires the local camera/microphone and builds the
// peer session. onICE is invoked once per locally gathered candidate
// and may fire from the provider's own goroutine.
type MediaProvider interface {
	OpenSession(onICE func(candidate json.RawMessage)) (PeerSession, error)
}

// NoMediaProvider always fails acquisition. Headless clients use it so
// incoming rings can still be surfaced and rejected without devices.
type NoMediaProvider struct{}

func (NoMediaProvider) OpenSession(func(candidate json.RawMessage)) (PeerSession, error) {
	return nil, fmt.Errorf("no media devices available")
}

// MediaUnavailableError reports a camera/mic permission or device
// failure. It terminates the in-flight call and is surfaced to the UI
// as a dismissible notice.
type MediaUnavailableError struct {
	Err error
}

func (e *MediaUnavailableError) Error() string {
	return fmt.Sprintf("media unavailable: %v", e.Err)
}

func (e *MediaUnavailableError) Unwrap() error {
	return e.Err
}
