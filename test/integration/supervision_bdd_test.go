//go:build integration

package integration

import (
	"os"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/locknest/xlockd/internal/domain"
	"github.com/locknest/xlockd/internal/infra"
)

// binaryEnv points at a built xlockd binary. The suite needs it because
// helpers are spawned by re-executing the locker itself:
//
//	go build -o /tmp/xlockd ./cmd/xlockd
//	XLOCKD_TEST_BINARY=/tmp/xlockd go test -tags integration ./test/integration/
const binaryEnv = "XLOCKD_TEST_BINARY"

// groupExists probes the group ID with the null signal.
func groupExists(pgid int) bool {
	return unix.Kill(-pgid, 0) == nil
}

var _ = Describe("Group Supervisor", func() {
	var (
		sup    *infra.GroupSupervisorImpl
		handle *domain.ChildHandle
	)

	BeforeEach(func() {
		binary := os.Getenv(binaryEnv)
		if binary == "" {
			Skip(binaryEnv + " not set")
		}
		os.Unsetenv("XLOCKD_SAVER")
		sup = infra.NewGroupSupervisorForBinary(binary, infra.NewProcessManager(), zap.NewNop())
		handle = nil
	})

	AfterEach(func() {
		if handle != nil && handle.Running() {
			sup.KillGroup(handle, syscall.SIGKILL)
			sup.Wait(handle, true, true)
		}
	})

	Describe("StartGroup", func() {
		It("makes the helper its own process-group leader", func() {
			var err error
			handle, err = sup.StartGroup(domain.ChildSpec{Role: domain.RoleSaver, SaverIndex: 0})
			Expect(err).NotTo(HaveOccurred())

			Expect(handle.PGID).To(Equal(handle.PID))
			pgid, err := unix.Getpgid(handle.PID)
			Expect(err).NotTo(HaveOccurred())
			Expect(pgid).To(Equal(handle.PGID))
			Expect(pgid).NotTo(Equal(unix.Getpgrp()))
		})

		It("reports the helper as running until it is stopped", func() {
			var err error
			handle, err = sup.StartGroup(domain.ChildSpec{Role: domain.RoleSaver, SaverIndex: 0})
			Expect(err).NotTo(HaveOccurred())

			outcome, err := sup.Wait(handle, false, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Running).To(BeTrue())
		})
	})

	Describe("Placeholder group member", func() {
		It("keeps the group ID reserved after the leader dies", func() {
			var err error
			handle, err = sup.StartGroup(domain.ChildSpec{Role: domain.RoleSaver, SaverIndex: 0})
			Expect(err).NotTo(HaveOccurred())
			pgid := handle.PGID

			// Kill only the leader, not the group.
			Expect(unix.Kill(handle.PID, unix.SIGKILL)).To(Succeed())

			// The placeholder still occupies the group, so the ID cannot
			// be recycled even though the leader is gone.
			Eventually(func() bool {
				return groupExists(pgid)
			}, 2*time.Second, 20*time.Millisecond).Should(BeTrue())

			outcome, err := sup.Wait(handle, true, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Running).To(BeFalse())

			// Reaping released the placeholder and with it the group ID.
			Eventually(func() bool {
				return groupExists(pgid)
			}, 2*time.Second, 20*time.Millisecond).Should(BeFalse())
		})
	})

	Describe("KillGroup", func() {
		It("terminates every group member", func() {
			var err error
			handle, err = sup.StartGroup(domain.ChildSpec{Role: domain.RoleSaver, SaverIndex: 0})
			Expect(err).NotTo(HaveOccurred())
			pgid := handle.PGID

			Expect(sup.KillGroup(handle, syscall.SIGTERM)).To(Succeed())

			outcome, err := sup.Wait(handle, true, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Running).To(BeFalse())
			Expect(handle.Running()).To(BeFalse())

			Eventually(func() bool {
				return groupExists(pgid)
			}, 2*time.Second, 20*time.Millisecond).Should(BeFalse())
		})
	})

	Describe("Restart cycles", func() {
		It("hands out a fresh group for every spawn", func() {
			seen := map[int]bool{}

			for i := 0; i < 3; i++ {
				h, err := sup.StartGroup(domain.ChildSpec{Role: domain.RoleSaver, SaverIndex: 0})
				Expect(err).NotTo(HaveOccurred())
				Expect(seen[h.PGID]).To(BeFalse(), "group ID reused across restarts")
				seen[h.PGID] = true

				Expect(sup.KillGroup(h, syscall.SIGKILL)).To(Succeed())
				_, err = sup.Wait(h, true, true)
				Expect(err).NotTo(HaveOccurred())
			}
		})
	})
})
