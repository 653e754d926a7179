package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewBatchID returns a sortable batch id (nice for DB indexes and dashboards).
func NewBatchID() string {
	return "batch_" + newULID()
}

func NewEventID() string {
	return "evt_" + newULID()
}

func NewNotificationID() string {
	return "ntf_" + newULID()
}

func NewBookingID() string {
	return "bkg_" + newULID()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}

func newULID() string {
	t := time.Now().UTC()
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}
