// Licensed to Apache Software Foundation (ASF) under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Apache Software Foundation (ASF) licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package manager

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/oakleaf-io/oakleaf/pvr/channels"
	"github.com/oakleaf-io/oakleaf/pvr/timers"
)

func startEngine(dbPath string) *Manager {
	m := New()
	fs := m.FlagSet()
	Expect(fs.Parse([]string{"--pvr-db", dbPath})).To(Succeed())
	Expect(m.Validate()).To(Succeed())
	Expect(m.PreRun(context.Background())).To(Succeed())
	return m
}

var _ = ginkgo.Describe("PVR flags", func() {
	ginkgo.It("accepts day units on the guide windows", func() {
		m := New()
		fs := m.FlagSet()
		Expect(fs.Parse([]string{"--pvr-epg-past-window", "1d", "--pvr-epg-future-window", "2d"})).To(Succeed())
		Expect(m.epgPast).To(Equal(24 * time.Hour))
		Expect(m.epgFuture).To(Equal(48 * time.Hour))
	})
})

var _ = ginkgo.Describe("PVR engine", func() {
	var (
		m      *Manager
		dbPath string
	)

	ginkgo.BeforeEach(func() {
		dir, err := os.MkdirTemp("", "oakleaf-pvr-test")
		Expect(err).NotTo(HaveOccurred())
		ginkgo.DeferCleanup(func() { _ = os.RemoveAll(dir) })
		dbPath = filepath.Join(dir, "pvr.db")
		m = startEngine(dbPath)
		Expect(m.SyncNow(context.Background())).To(Succeed())
	})

	ginkgo.AfterEach(func() {
		m.jobs.Close()
		Expect(m.db.Close()).To(Succeed())
	})

	ginkgo.Context("after the first sync", func() {
		ginkgo.It("holds the simulator lineup", func() {
			Expect(m.Channels().Channels(false)).To(HaveLen(3))
			Expect(m.Channels().Channels(true)).To(HaveLen(1))
		})

		ginkgo.It("derives the all-groups and applies backend groups", func() {
			groups := m.Channels().Groups(false)
			Expect(groups).NotTo(BeEmpty())
			Expect(groups[0].All).To(BeTrue())
			Expect(groups[0].Members).To(HaveLen(3))

			_, ok := m.Channels().GroupByName("Entertainment", false)
			Expect(ok).To(BeTrue())
			_, ok = m.Channels().GroupByName("News", false)
			Expect(ok).To(BeTrue())
		})

		ginkgo.It("fills the guide for every channel", func() {
			window := m.Grid().Window()
			for _, c := range m.Channels().AllChannels() {
				tags := m.Guide().TagsBetween(c.ID, window)
				Expect(tags).NotTo(BeEmpty(), "channel %d", c.ID)
			}
		})

		ginkgo.It("renders gapless grid rows", func() {
			window := m.Grid().Window()
			row := m.Grid().Row(m.Channels().Channels(false)[0].ID)
			Expect(row).NotTo(BeEmpty())
			cursor := window.Start
			for _, tag := range row {
				Expect(tag.Start).To(BeTemporally("==", cursor))
				cursor = tag.End
			}
			Expect(cursor).To(BeTemporally("==", window.End))
		})
	})

	ginkgo.Context("timers", func() {
		ginkgo.It("routes an add and picks up the confirmation on sync", func() {
			channel := m.Channels().Channels(false)[0]
			start := time.Now().Add(time.Hour).UTC()
			added, err := m.Timers().Add(context.Background(), timers.Timer{
				ClientID:  channel.ClientID,
				ChannelID: channel.ID,
				Title:     "evening film",
				Start:     start,
				End:       start.Add(2 * time.Hour),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(added.State).To(Equal(timers.StateNew))

			Expect(m.SyncNow(context.Background())).To(Succeed())

			got, err := m.Timers().Timer(added.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.State).To(Equal(timers.StateScheduled))
			Expect(got.ClientTimerID).NotTo(BeZero())
			Expect(m.Timers().TimersForChannel(channel.ID)).To(HaveLen(1))
		})
	})

	ginkgo.Context("persistence", func() {
		ginkgo.It("restores channels, groups, guide and timers after a restart", func() {
			channel := m.Channels().Channels(false)[0]
			start := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
			_, err := m.Timers().Add(context.Background(), timers.Timer{
				ClientID:  channel.ClientID,
				ChannelID: channel.ID,
				Title:     "keep me",
				Start:     start,
				End:       start.Add(time.Hour),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(m.SyncNow(context.Background())).To(Succeed())
			_, err = m.Channels().CreateGroup("Mine", false)
			Expect(err).NotTo(HaveOccurred())

			Expect(m.persist()).To(Succeed())
			Expect(m.db.Close()).To(Succeed())
			m.jobs.Close()

			restarted := startEngine(dbPath)
			ginkgo.DeferCleanup(func() {
				restarted.jobs.Close()
				_ = restarted.db.Close()
			})

			Expect(restarted.Channels().AllChannels()).To(HaveLen(4))
			_, ok := restarted.Channels().GroupByName("Mine", false)
			Expect(ok).To(BeTrue())
			Expect(restarted.Timers().TimersForChannel(channel.ID)).To(HaveLen(1))

			window := restarted.Grid().Window()
			Expect(restarted.Guide().TagsBetween(channel.ID, window)).NotTo(BeEmpty())
		})
	})

	ginkgo.Context("lifecycle", func() {
		ginkgo.It("waits for the startup sync before closing the database", func() {
			stop := m.Serve()
			m.GracefulStop()
			Expect(stop).To(BeClosed())

			// The database saw the final persist and closed cleanly,
			// so a fresh engine can reopen it right away.
			restarted := startEngine(dbPath)
			ginkgo.DeferCleanup(func() {
				restarted.jobs.Close()
				_ = restarted.db.Close()
			})
			Expect(restarted.Channels().AllChannels()).To(HaveLen(4))
		})
	})

	ginkgo.Context("group edits", func() {
		ginkgo.It("refuses to touch the all-group", func() {
			all := m.Channels().GroupAll(false)
			Expect(m.Channels().DeleteGroup(all.ID)).To(MatchError(channels.ErrAllGroupImmutable))
			Expect(m.Channels().RenameGroup(all.ID, "nope")).To(MatchError(channels.ErrAllGroupImmutable))
		})
	})
})
