package publisher

import pkgerrors "github.com/pkg/errors"

// ErrNoConnectionToPublish is returned by a publish call made with
// retry=false while no connection is attached to the engine.
var ErrNoConnectionToPublish = pkgerrors.New("publisher: no connection to publish")

// ErrDisconnected is returned to an in-flight publish whose connection was
// torn down before a PublishResponse arrived.
var ErrDisconnected = pkgerrors.New("publisher: disconnected while awaiting response")

// PublishOtherError wraps any transport-reported failure that isn't one
// of the named kinds above.
type PublishOtherError struct {
	Message string
}

func (e *PublishOtherError) Error() string { return "publisher: " + e.Message }
