package subscriber

import pkgerrors "github.com/pkg/errors"

// ErrNoConnectionToDeliver is returned when a confirmation frame must be
// emitted (intermediary or final) but no connection is currently
// attached. A final-confirmation send in this state is simply lost — the
// server will re-deliver after its own timeout.
var ErrNoConnectionToDeliver = pkgerrors.New("subscriber: no connection to send confirmation")
