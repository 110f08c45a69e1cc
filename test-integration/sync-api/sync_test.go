package integration

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/digdir/erproxy-sync/internal/registry"
	"github.com/digdir/erproxy-sync/internal/status"
	"github.com/digdir/erproxy-sync/internal/sync/coordinator"
	"github.com/digdir/erproxy-sync/test-integration/sync-api/helpers"
)

func reportFor(report *coordinator.Report, partition string) coordinator.PartitionReport {
	for _, pr := range report.Partitions {
		if pr.Partition == partition {
			return pr
		}
	}
	Fail("no report for partition " + partition)
	return coordinator.PartitionReport{}
}

var _ = Describe("Sync API", Label("sync"), func() {
	var (
		tempDir      string
		sinkDir      string
		fake         *helpers.FakeRegistry
		serverHelper *helpers.ServerTestHelper
	)

	BeforeEach(func() {
		tempDir = createTempDir("sync-api-test-")
		sinkDir = filepath.Join(tempDir, "sink")
		Expect(os.MkdirAll(sinkDir, 0750)).To(Succeed())

		fake = helpers.NewFakeRegistry()
		fake.Put(registry.TagUnits, "910000001", helpers.Entity("910000001", "Alpha AS"))
		fake.Put(registry.TagUnits, "910000002", helpers.Entity("910000002", "Beta AS"))
		fake.Put(registry.TagSubunits, "970000001", helpers.Entity("970000001", "Alpha avd. Oslo"))

		configFile := helpers.WriteConfigYAML(tempDir, fake.URL(), sinkDir)
		serverHelper = helpers.NewServerTestHelper(ctx, configFile)
		Expect(serverHelper.StartServer()).To(Succeed())
		serverHelper.WaitForServerReady(10 * time.Second)
	})

	AfterEach(func() {
		Expect(serverHelper.StopServer()).To(Succeed())
		fake.Close()
		cleanupTempDir(tempDir)
	})

	It("is not ready before the first run created the container", func() {
		code, _ := serverHelper.Get("/readiness")
		Expect(code).To(Equal(http.StatusServiceUnavailable))
	})

	Context("on an empty sink", func() {
		It("only creates the container on the first run", func() {
			code, report := serverHelper.TriggerSync(false)
			Expect(code).To(Equal(http.StatusOK))
			Expect(report.ContainerCreated).To(BeTrue())
			Expect(report.Partitions).To(BeEmpty())
			Expect(fake.Requests("/enheter/lastned")).To(BeZero())

			_, err := helpers.ReadRecord(sinkDir, registry.TagUnits, "910000001")
			Expect(os.IsNotExist(err)).To(BeTrue())

			code, _ = serverHelper.Get("/readiness")
			Expect(code).To(Equal(http.StatusOK))
		})

		It("ingests every partition from its bulk export once the container exists", func() {
			code, report := serverHelper.TriggerSync(false)
			Expect(code).To(Equal(http.StatusOK))
			Expect(report.ContainerCreated).To(BeTrue())

			code, report = serverHelper.TriggerSync(false)
			Expect(code).To(Equal(http.StatusOK))
			Expect(report.ContainerCreated).To(BeFalse())
			Expect(report.Partitions).To(HaveLen(2))

			units := reportFor(report, "units")
			Expect(units.Mode).To(Equal(coordinator.ModeFull))
			Expect(units.Success).To(BeTrue())
			Expect(units.Written).To(Equal(2))
			Expect(reportFor(report, "subunits").Written).To(Equal(1))

			record, err := helpers.ReadRecord(sinkDir, registry.TagUnits, "910000001")
			Expect(err).NotTo(HaveOccurred())
			Expect(record).To(ContainSubstring("Alpha AS"))
			_, err = helpers.ReadRecord(sinkDir, registry.TagSubunits, "970000001")
			Expect(err).NotTo(HaveOccurred())

			statuses := serverHelper.Status()
			Expect(statuses).To(HaveKey("units"))
			Expect(statuses["units"].Phase).To(Equal(status.SyncPhaseComplete))
			Expect(statuses["units"].Checkpoint).NotTo(BeNil())
		})
	})

	Context("after the initial ingestion", func() {
		BeforeEach(func() {
			// container first, then the full ingestion
			code, report := serverHelper.TriggerSync(false)
			Expect(code).To(Equal(http.StatusOK))
			Expect(report.ContainerCreated).To(BeTrue())

			code, report = serverHelper.TriggerSync(false)
			Expect(code).To(Equal(http.StatusOK))
			Expect(reportFor(report, "units").Mode).To(Equal(coordinator.ModeFull))
		})

		It("replays the change feed from the checkpoint", func() {
			changedAt := time.Now().Add(time.Minute)
			fake.Update(registry.TagUnits, "910000001", helpers.Entity("910000001", "Alpha Holding AS"), changedAt)
			fake.Remove(registry.TagUnits, "910000002", changedAt.Add(time.Second))

			code, report := serverHelper.TriggerSync(false)
			Expect(code).To(Equal(http.StatusOK))

			units := reportFor(report, "units")
			Expect(units.Mode).To(Equal(coordinator.ModeIncremental))
			Expect(units.Written).To(Equal(1))
			Expect(units.Deleted).To(Equal(1))
			Expect(units.Checkpoint).NotTo(BeNil())
			Expect(*units.Checkpoint).To(BeTemporally("~", changedAt.Add(time.Second), time.Millisecond))

			subunits := reportFor(report, "subunits")
			Expect(subunits.Mode).To(Equal(coordinator.ModeIncremental))
			Expect(subunits.Written).To(BeZero())

			record, err := helpers.ReadRecord(sinkDir, registry.TagUnits, "910000001")
			Expect(err).NotTo(HaveOccurred())
			Expect(record).To(ContainSubstring("Alpha Holding AS"))

			_, err = helpers.ReadRecord(sinkDir, registry.TagUnits, "910000002")
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		It("ingests the bulk exports again when forced", func() {
			fake.Put(registry.TagUnits, "910000003", helpers.Entity("910000003", "Gamma AS"))

			code, report := serverHelper.TriggerSync(true)
			Expect(code).To(Equal(http.StatusOK))
			Expect(report.ForceFull).To(BeTrue())

			units := reportFor(report, "units")
			Expect(units.Mode).To(Equal(coordinator.ModeFull))
			Expect(units.Written).To(Equal(3))
			Expect(fake.Requests("/enheter/lastned")).To(Equal(2))

			_, err := helpers.ReadRecord(sinkDir, registry.TagUnits, "910000003")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	It("rejects an unknown partition status", func() {
		code, _ := serverHelper.Get("/api/v1/status/partnerships")
		Expect(code).To(Equal(http.StatusNotFound))
	})
})
