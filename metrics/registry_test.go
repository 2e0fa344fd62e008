package metrics_test

import (
	"fmt"
	"sync"
	"time"

	"github.com/scusemua/inference-pool/metrics"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Connection Metrics Registry Tests", func() {
	var registry *metrics.Registry

	BeforeEach(func() {
		registry = metrics.NewRegistry()
	})

	It("Will report nothing for an unknown connection", func() {
		_, ok := registry.Snapshot("no-such-connection")
		Expect(ok).To(BeFalse())
		Expect(registry.Len()).To(Equal(0))
	})

	It("Will track an in-flight operation and clear it on completion", func() {
		startedAt := time.Now()
		registry.RecordOperationStart("conn-1", startedAt)

		snapshot, ok := registry.Snapshot("conn-1")
		Expect(ok).To(BeTrue())
		Expect(snapshot.TotalOperations).To(Equal(int64(0)))
		Expect(snapshot.LastOperationStart).ToNot(BeNil())
		Expect(*snapshot.LastOperationStart).To(BeTemporally("==", startedAt))

		registry.RecordOperationComplete("conn-1", time.Millisecond*40)

		snapshot, ok = registry.Snapshot("conn-1")
		Expect(ok).To(BeTrue())
		Expect(snapshot.TotalOperations).To(Equal(int64(1)))
		Expect(snapshot.TotalExecutionTime).To(Equal(time.Millisecond * 40))
		Expect(snapshot.LastOperationStart).To(BeNil())
	})

	It("Will compute the rolling average execution time", func() {
		registry.RecordOperationComplete("conn-1", time.Millisecond*10)
		registry.RecordOperationComplete("conn-1", time.Millisecond*30)

		snapshot, ok := registry.Snapshot("conn-1")
		Expect(ok).To(BeTrue())
		Expect(snapshot.TotalOperations).To(Equal(int64(2)))
		Expect(snapshot.TotalExecutionTime).To(Equal(time.Millisecond * 40))
		Expect(snapshot.AverageExecutionTime).To(Equal(time.Millisecond * 20))
	})

	It("Will keep counters consistent under concurrent recording", func() {
		const numGoroutines = 8
		const opsPerGoroutine = 100

		var wg sync.WaitGroup
		for i := 0; i < numGoroutines; i++ {
			wg.Add(1)

			go func() {
				defer GinkgoRecover()
				defer wg.Done()

				for j := 0; j < opsPerGoroutine; j++ {
					registry.RecordOperationStart("shared-conn", time.Now())
					registry.RecordOperationComplete("shared-conn", time.Millisecond)
				}
			}()
		}

		wg.Wait()

		snapshot, ok := registry.Snapshot("shared-conn")
		Expect(ok).To(BeTrue())
		Expect(snapshot.TotalOperations).To(Equal(int64(numGoroutines * opsPerGoroutine)))
		Expect(snapshot.TotalExecutionTime).To(Equal(time.Millisecond * numGoroutines * opsPerGoroutine))
	})

	It("Will snapshot every tracked connection", func() {
		for i := 0; i < 5; i++ {
			registry.RecordOperationComplete(fmt.Sprintf("conn-%d", i), time.Millisecond)
		}

		all := registry.SnapshotAll()
		Expect(all).To(HaveLen(5))
		Expect(all["conn-3"].TotalOperations).To(Equal(int64(1)))
	})

	Context("Cleanup", func() {
		It("Will only remove entries that are both stale and untracked", func() {
			registry.RecordOperationComplete("live-conn", time.Millisecond)
			registry.RecordOperationComplete("dead-conn", time.Millisecond)

			tracked := func(connectionId string) bool {
				return connectionId == "live-conn"
			}

			// With a zero lifetime every entry is stale, so tracking is the
			// only thing keeping an entry alive.
			removed := registry.Cleanup(0, tracked)
			Expect(removed).To(Equal(1))
			Expect(registry.Len()).To(Equal(1))

			_, ok := registry.Snapshot("live-conn")
			Expect(ok).To(BeTrue())
		})

		It("Will not remove entries younger than the lifetime", func() {
			registry.RecordOperationComplete("young-conn", time.Millisecond)

			removed := registry.Cleanup(time.Hour, nil)
			Expect(removed).To(Equal(0))
			Expect(registry.Len()).To(Equal(1))
		})
	})
})
