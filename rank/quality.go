// Package rank implements the repeater, observer, and mesh score engines and
// their periodic refresh machinery.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package rank

import (
	"github.com/NVIDIA/meshrank/api"
)

// classify buckets a repeater into valid / low_quality / phantom with the
// reasons preserved for admin display.
func classify(d *api.Device, activity int) (quality string, reasons []string) {
	if !d.VerifiedAdvert {
		reasons = append(reasons, "phantom", "unverified_advert")
	}
	if d.LastAdvertHeardMs == 0 {
		if len(reasons) == 0 {
			reasons = append(reasons, "phantom")
		}
		reasons = append(reasons, "no_advert_heard")
	}
	if !d.HasValidGps() && !d.NameValid && activity == 0 {
		if len(reasons) == 0 {
			reasons = append(reasons, "phantom")
		}
		reasons = append(reasons, "name_invalid_no_gps_no_activity")
	}
	if len(reasons) > 0 {
		return api.QualityPhantom, reasons
	}

	if !d.NameValid {
		reasons = append(reasons, "name_invalid")
	}
	if d.Gps == nil {
		reasons = append(reasons, "missing_gps")
	} else if !d.HasValidGps() {
		reasons = append(reasons, "gps_invalid")
	}
	if d.HiddenOnMap {
		reasons = append(reasons, "hidden_on_map")
	}
	if d.GpsImplausible {
		reasons = append(reasons, "gps_implausible")
	}
	if d.GpsFlagged {
		reasons = append(reasons, "gps_flagged")
	}
	if len(reasons) > 0 {
		return api.QualityLowQuality, reasons
	}
	return api.QualityValid, nil
}
