package turncreds

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/pion/stun/v3"
)

// ProbeSTUN sends one binding request to a STUN server and returns the
// reflexive address it reports. Used at startup to verify reachability
// and log the public-facing address.
func ProbeSTUN(ctx context.Context, serverURL string) (net.IP, error) {
	addr := strings.TrimPrefix(serverURL, "stun:")

	client, err := stun.Dial("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer client.Close()

	watchdog := make(chan struct{})
	defer close(watchdog)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-watchdog:
		}
	}()

	var (
		reflexive net.IP
		probeErr  error
	)
	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	err = client.Do(message, func(res stun.Event) {
		if res.Error != nil {
			probeErr = res.Error
			return
		}
		var xorAddr stun.XORMappedAddress
		if getErr := xorAddr.GetFrom(res.Message); getErr != nil {
			probeErr = fmt.Errorf("parse binding response: %w", getErr)
			return
		}
		reflexive = xorAddr.IP
	})
	if err != nil {
		return nil, fmt.Errorf("binding request to %s: %w", addr, err)
	}
	if probeErr != nil {
		return nil, probeErr
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return reflexive, nil
}
