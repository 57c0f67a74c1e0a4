package channel

import (
	"context"
	"sync/atomic"
)

// Doorbell はホストからの「新しいコマンドあり」通知。
// Ringはフラグを立てるだけでバッファには触れない。処理はすべてメインループ側で行う。
type Doorbell struct {
	pending atomic.Bool
	wake    chan struct{}
}

// NewDoorbell はDoorbellを生成する。
func NewDoorbell() *Doorbell {
	return &Doorbell{wake: make(chan struct{}, 1)}
}

// Ring は通知フラグを立てる。ブロックしない。
func (d *Doorbell) Ring() {
	d.pending.Store(true)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Pending は通知の有無を返し、フラグを下ろす。再生ループのポーリングで使う。
func (d *Doorbell) Pending() bool {
	return d.pending.Swap(false)
}

// Wait は通知が来るまでブロックし、フラグを下ろす。
func (d *Doorbell) Wait(ctx context.Context) error {
	for {
		if d.pending.Swap(false) {
			return nil
		}
		select {
		case <-d.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
