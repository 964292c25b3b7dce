package goble

import (
	"sort"

	"github.com/go-ble/ble"
	"github.com/srg/blelog/internal/device"
)

// newHandle builds a peripheral handle from the first advertisement seen for an address
func newHandle(adv ble.Advertisement) *device.PeripheralHandle {
	addr := adv.Addr().String()
	h := &device.PeripheralHandle{
		ID:      addr,
		Address: addr,
		Name:    adv.LocalName(),
		RSSI:    adv.RSSI(),
	}
	mergeServices(h, adv.Services())
	return h
}

// mergeAdvertisement folds a later advertisement (e.g. a scan response carrying
// the local name) into an existing handle
func mergeAdvertisement(h *device.PeripheralHandle, adv ble.Advertisement) {
	if name := adv.LocalName(); name != "" {
		h.Name = name
	}
	h.RSSI = adv.RSSI()
	mergeServices(h, adv.Services())
}

func mergeServices(h *device.PeripheralHandle, uuids []ble.UUID) {
	if len(uuids) == 0 {
		return
	}
	known := make(map[string]struct{}, len(h.Services))
	for _, s := range h.Services {
		known[s] = struct{}{}
	}
	for _, u := range uuids {
		s := u.String()
		if _, ok := known[s]; ok {
			continue
		}
		known[s] = struct{}{}
		h.Services = append(h.Services, s)
	}
	sort.Strings(h.Services)
}
