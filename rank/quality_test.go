// Package rank implements the repeater, observer, and mesh score engines.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package rank

import (
	"github.com/NVIDIA/meshrank/api"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("quality classification", func() {
	valid := func() *api.Device {
		return &api.Device{
			Pub: "AB00", Name: "Good Repeater", IsRepeater: true,
			Gps:               &api.Gps{Lat: 51.5, Lon: -0.1},
			VerifiedAdvert:    true,
			NameValid:         true,
			LastAdvertHeardMs: 1700000000000,
		}
	}

	It("accepts a fully populated repeater", func() {
		q, reasons := classify(valid(), 10)
		Expect(q).To(Equal(api.QualityValid))
		Expect(reasons).To(BeEmpty())
	})

	It("marks unverified adverts phantom", func() {
		d := valid()
		d.VerifiedAdvert = false
		q, reasons := classify(d, 10)
		Expect(q).To(Equal(api.QualityPhantom))
		Expect(reasons).To(ContainElement("phantom"))
	})

	It("marks no-gps no-name no-activity devices phantom with the composite reason", func() {
		d := valid()
		d.Gps = nil
		d.NameValid = false
		q, reasons := classify(d, 0)
		Expect(q).To(Equal(api.QualityPhantom))
		Expect(reasons).To(ContainElement("phantom"))
		Expect(reasons).To(ContainElement("name_invalid_no_gps_no_activity"))
	})

	It("downgrades missing gps to low_quality when otherwise alive", func() {
		d := valid()
		d.Gps = nil
		q, reasons := classify(d, 5)
		Expect(q).To(Equal(api.QualityLowQuality))
		Expect(reasons).To(ContainElement("missing_gps"))
	})

	It("downgrades hidden, implausible, and flagged devices", func() {
		for _, mutate := range []func(*api.Device){
			func(d *api.Device) { d.HiddenOnMap = true },
			func(d *api.Device) { d.GpsImplausible = true },
			func(d *api.Device) { d.GpsFlagged = true },
			func(d *api.Device) { d.NameValid = false },
		} {
			d := valid()
			mutate(d)
			q, reasons := classify(d, 5)
			Expect(q).To(Equal(api.QualityLowQuality))
			Expect(reasons).NotTo(BeEmpty())
		}
	})
})

var _ = Describe("repeat evidence", func() {
	paths := func(n int, path ...string) (out [][]string) {
		for i := 0; i < n; i++ {
			out = append(out, path)
		}
		return
	}

	It("passes with exactly five middle-hop appearances", func() {
		ev := buildEvidence(paths(5, "CC", "AB", "DD"))
		Expect(ev.judge("AB", false).IsTrueRepeater).To(BeTrue())
	})

	It("fails with four middle hops and narrow edges", func() {
		ev := buildEvidence(paths(4, "CC", "AB", "DD"))
		Expect(ev.judge("AB", false).IsTrueRepeater).To(BeFalse())
	})

	It("passes four middle hops when upstream and downstream are diverse", func() {
		ev := buildEvidence([][]string{
			{"C1", "AB", "D1"},
			{"C2", "AB", "D2"},
			{"C1", "AB", "D2"},
			{"C2", "AB", "D1"},
		})
		j := ev.judge("AB", false)
		Expect(j.Middle).To(Equal(4))
		Expect(j.Upstream).To(Equal(2))
		Expect(j.Downstream).To(Equal(2))
		Expect(j.IsTrueRepeater).To(BeTrue())
	})

	It("lets backfilled devices bypass the filter", func() {
		ev := buildEvidence(nil)
		j := ev.judge("AB", true)
		Expect(j.IsTrueRepeater).To(BeTrue())
		Expect(j.Reason).To(Equal("backfilled"))
	})
})

var _ = Describe("score and color", func() {
	It("scores zero when stale regardless of stats", func() {
		Expect(repeaterScore(-50, -40, 10, 12, 100, 5, 5, true)).To(Equal(0))
	})

	It("clamps every subscore", func() {
		s := repeaterScore(0, 0, 0, 0, 100000, 100, 100, false)
		Expect(s).To(BeNumerically("<=", 100))
	})

	It("does not credit best-signal terms to repeaters with no samples", func() {
		// zero best values are absence of data, not a 0 dBm reading: the
		// signal terms must all bottom out at the floor
		noSamples := repeaterScore(0, 0, 0, 0, 10, 1, 1, false)
		floored := repeaterScore(rssiFloor, rssiFloor, snrFloor, snrFloor, 10, 1, 1, false)
		Expect(noSamples).To(Equal(floored))
	})

	It("scores a real best-signal reading above the no-samples case", func() {
		heard := repeaterScore(0, -60, 0, 10, 10, 1, 1, false)
		silent := repeaterScore(0, 0, 0, 0, 10, 1, 1, false)
		Expect(heard).To(BeNumerically(">", silent))
	})

	It("maps colors per the thresholds", func() {
		Expect(scoreColor(0, true)).To(Equal(api.ColorRed))
		Expect(scoreColor(99, true)).To(Equal(api.ColorRed))
		Expect(scoreColor(70, false)).To(Equal(api.ColorGreen))
		Expect(scoreColor(69, false)).To(Equal(api.ColorYellow))
		Expect(scoreColor(45, false)).To(Equal(api.ColorYellow))
		Expect(scoreColor(44, false)).To(Equal(api.ColorOrange))
	})
})

var _ = Describe("name dedup", func() {
	item := func(name string, ingestMs int64, total24h, score int) api.RankItem {
		return api.RankItem{Pub: name + "-pub", Name: name, LastAdvertIngestMs: ingestMs, Total24h: total24h, Score: score}
	}

	It("keeps the newer ingest and preserves the loser as excluded", func() {
		kept, dups := dedupByName([]api.RankItem{
			item("Tower", 100, 1, 50),
			item("tower", 200, 0, 40),
		})
		Expect(kept).To(HaveLen(1))
		Expect(kept[0].LastAdvertIngestMs).To(Equal(int64(200)))
		Expect(dups).To(HaveLen(1))
		Expect(dups[0].Reasons).To(ContainElement("duplicate_name"))
	})

	It("breaks ingest ties by total24h then score", func() {
		kept, _ := dedupByName([]api.RankItem{
			item("Tower", 100, 1, 50),
			item("Tower", 100, 5, 40),
		})
		Expect(kept[0].Total24h).To(Equal(5))
	})

	It("never merges unnamed repeaters", func() {
		kept, dups := dedupByName([]api.RankItem{
			item("", 1, 0, 0),
			item("", 2, 0, 0),
		})
		Expect(kept).To(HaveLen(2))
		Expect(dups).To(BeEmpty())
	})
})
