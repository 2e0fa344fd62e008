package execution_test

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/scusemua/inference-pool/execution"
	"github.com/scusemua/inference-pool/metrics"
	"github.com/scusemua/inference-pool/pool"
	"github.com/scusemua/inference-pool/test_utils"
	"github.com/scusemua/inference-pool/transport"

	"golang.org/x/net/context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Batch Execution Tests", func() {
	var (
		factory *test_utils.SpoofedFactory
		manager *pool.Manager
		engine  *execution.Engine
	)

	BeforeEach(func() {
		factory = &test_utils.SpoofedFactory{}
	})

	AfterEach(func() {
		if manager != nil {
			manager.Close()
			manager = nil
		}
	})

	createEngine := func(minSize, maxSize int) {
		var err error
		manager, err = pool.NewManager(testConfig(minSize, maxSize), factory, nil)
		Expect(err).To(BeNil())

		engine = execution.NewEngine(manager, metrics.NewRegistry(), nil)
	}

	returning := func(value interface{}) execution.Operation {
		return func(ctx context.Context, conn *transport.WorkerConnection) (interface{}, error) {
			return value, nil
		}
	}

	failing := func(err error) execution.Operation {
		return func(ctx context.Context, conn *transport.WorkerConnection) (interface{}, error) {
			return nil, err
		}
	}

	It("Will return results in input order regardless of completion order", func() {
		createEngine(0, 4)

		// The first operation is the slowest, so it completes last.
		operations := []execution.Operation{
			func(ctx context.Context, conn *transport.WorkerConnection) (interface{}, error) {
				time.Sleep(time.Millisecond * 100)
				return "slow", nil
			},
			returning("medium"),
			returning("fast"),
		}

		result := engine.ExecuteBatchWithOptimization(context.Background(), operations, nil)

		Expect(result.Total).To(Equal(3))
		Expect(result.Succeeded).To(Equal(3))
		Expect(result.Failed).To(Equal(0))
		Expect(result.Results).To(HaveLen(3))

		Expect(result.Results[0].Index).To(Equal(0))
		Expect(result.Results[0].Value).To(Equal("slow"))
		Expect(result.Results[1].Value).To(Equal("medium"))
		Expect(result.Results[2].Value).To(Equal("fast"))
	})

	It("Will isolate item failures from the rest of the batch", func() {
		createEngine(0, 4)

		itemErr := errors.New("inference rejected")

		operations := []execution.Operation{
			failing(itemErr),
			returning("ok-1"),
			returning("ok-2"),
		}

		result := engine.ExecuteBatchWithOptimization(context.Background(), operations, nil)

		Expect(result.Succeeded).To(Equal(2))
		Expect(result.Failed).To(Equal(1))

		Expect(result.Results[0].Succeeded()).To(BeFalse())
		Expect(errors.Is(result.Results[0].Error, itemErr)).To(BeTrue())
		Expect(result.Results[1].Value).To(Equal("ok-1"))
		Expect(result.Results[2].Value).To(Equal("ok-2"))
	})

	It("Will cap concurrency at the batch's MaxConcurrency", func() {
		createEngine(0, 8)

		var running atomic.Int64
		var peak atomic.Int64

		operations := make([]execution.Operation, 6)
		for i := range operations {
			operations[i] = func(ctx context.Context, conn *transport.WorkerConnection) (interface{}, error) {
				current := running.Add(1)
				defer running.Add(-1)

				// Track the peak observed concurrency.
				for {
					observed := peak.Load()
					if current <= observed || peak.CompareAndSwap(observed, current) {
						break
					}
				}

				time.Sleep(time.Millisecond * 20)
				return nil, nil
			}
		}

		result := engine.ExecuteBatchWithOptimization(context.Background(), operations,
			&execution.BatchOptions{MaxConcurrency: 2})

		Expect(result.Succeeded).To(Equal(6))
		Expect(peak.Load()).To(BeNumerically("<=", int64(2)))
	})

	It("Will never exceed the pool's max size even when asked to", func() {
		createEngine(0, 2)

		operations := make([]execution.Operation, 5)
		for i := range operations {
			value := fmt.Sprintf("result-%d", i)
			operations[i] = func(ctx context.Context, conn *transport.WorkerConnection) (interface{}, error) {
				time.Sleep(time.Millisecond * 10)
				return value, nil
			}
		}

		result := engine.ExecuteBatchWithOptimization(context.Background(), operations,
			&execution.BatchOptions{MaxConcurrency: 64})

		Expect(result.Succeeded).To(Equal(5))
		Expect(factory.NumCreated()).To(BeNumerically("<=", 2))

		for i := range result.Results {
			Expect(result.Results[i].Value).To(Equal(fmt.Sprintf("result-%d", i)))
		}
	})

	It("Will handle an empty batch", func() {
		createEngine(0, 2)

		result := engine.ExecuteBatchWithOptimization(context.Background(), []execution.Operation{}, nil)

		Expect(result.Total).To(Equal(0))
		Expect(result.Succeeded).To(Equal(0))
		Expect(result.Failed).To(Equal(0))
		Expect(result.Results).To(BeEmpty())
	})

	It("Will record unstarted items as failed when the caller cancels", func() {
		createEngine(0, 2)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		operations := []execution.Operation{
			returning("never-runs"),
			returning("never-runs-either"),
		}

		result := engine.ExecuteBatchWithOptimization(ctx, operations, nil)

		Expect(result.Failed).To(Equal(2))
		for i := range result.Results {
			Expect(result.Results[i].Error).ToNot(BeNil())
		}
	})
})
