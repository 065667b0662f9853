package integration

import (
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/api-publisher/test-integration/publisher/helpers"
)

var _ = Describe("Publishing", Label("publish"), func() {
	var (
		tempDir string
		env     *helpers.Environment
	)

	BeforeEach(func() {
		tempDir = createTempDir("publish-test-")

		var err error
		env, err = helpers.NewEnvironment(tempDir)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		env.Close()
		cleanupTempDir(tempDir)
	})

	Context("Initial load", func() {
		BeforeEach(func() {
			env.Source.AddItem(helpers.Schools, helpers.School(255901), 1)
			env.Source.AddItem(helpers.Schools, helpers.School(255902), 2)
			env.Source.AddItem(helpers.Students, helpers.Student("604822", "Lisa"), 3)
			env.Source.AddItem(helpers.Students, helpers.Student("604823", "Ana"), 4)
			env.Source.AddItem(helpers.Students, helpers.Student("604824", "Kofi"), 5)
			env.Source.AddItem(helpers.Sections, helpers.Section("ALG-1", 255901), 6)
		})

		It("should copy every resource and record the source change version", func() {
			out, err := env.Publish()
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring("change version recorded: true"))

			Expect(env.Target.Items(helpers.Schools)).To(HaveLen(2))
			Expect(env.Target.Items(helpers.Students)).To(HaveLen(3))
			Expect(env.Target.Items(helpers.Sections)).To(HaveLen(1))

			version, ok, err := env.ProcessedVersion(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(version).To(Equal(int64(6)))
		})

		It("should post dependencies before their dependents", func() {
			_, err := env.Publish()
			Expect(err).NotTo(HaveOccurred())

			var order []string
			for _, call := range env.Target.Calls() {
				if call.Method == http.MethodPost {
					order = append(order, call.Path)
				}
			}
			Expect(order).NotTo(BeEmpty())

			lastSchool, firstDependent := -1, len(order)
			for i, path := range order {
				switch path {
				case "/data/v3" + helpers.Schools:
					lastSchool = i
				case "/data/v3" + helpers.Students, "/data/v3" + helpers.Sections:
					if i < firstDependent {
						firstDependent = i
					}
				}
			}
			Expect(lastSchool).To(BeNumerically("<", firstDependent))
		})
	})

	Context("Incremental run", func() {
		BeforeEach(func() {
			env.Source.AddItem(helpers.Schools, helpers.School(255901), 1)
			env.Source.AddItem(helpers.Students, helpers.Student("604822", "Lisa"), 2)

			_, err := env.Publish()
			Expect(err).NotTo(HaveOccurred())
			Expect(env.Target.Items(helpers.Students)).To(HaveLen(1))
		})

		It("should publish only the changes since the last run", func() {
			env.Source.AddItem(helpers.Students, helpers.Student("604823", "Ana"), 3)

			_, err := env.Publish()
			Expect(err).NotTo(HaveOccurred())

			Expect(env.Target.Items(helpers.Students)).To(HaveLen(2))
			Expect(env.Target.CallsTo(http.MethodPost, "/data/v3"+helpers.Schools)).To(HaveLen(1))

			version, _, err := env.ProcessedVersion(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(version).To(Equal(int64(3)))
		})

		It("should remove items deleted on the source", func() {
			env.Source.AddDelete(helpers.Students, "source-student-1",
				map[string]any{"studentUniqueId": "604822"}, 3)

			_, err := env.Publish()
			Expect(err).NotTo(HaveOccurred())

			Expect(env.Target.Items(helpers.Students)).To(BeEmpty())
			Expect(env.Target.CallsTo(http.MethodDelete, "/data/v3"+helpers.Students+"/")).To(HaveLen(1))
		})
	})

	Context("Item failures", func() {
		BeforeEach(func() {
			env.Source.AddItem(helpers.Schools, helpers.School(255901), 1)
			env.Source.AddItem(helpers.Students, helpers.Student("604822", "Lisa"), 2)
			env.Target.FailTimes(http.MethodPost, "/data/v3"+helpers.Students, http.StatusBadRequest, 1,
				`{"message":"invalid student"}`)
		})

		It("should fail the run, keep the watermark and log the failed item", func() {
			_, err := env.Publish()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("processing did not complete successfully"))

			Expect(env.Target.Items(helpers.Schools)).To(HaveLen(1))
			Expect(env.Target.Items(helpers.Students)).To(BeEmpty())

			_, ok, err := env.ProcessedVersion(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			records, err := env.ErrorRecords()
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(ContainSubstring("invalid student"))
		})

		It("should publish the item on the next run", func() {
			_, err := env.Publish()
			Expect(err).To(HaveOccurred())

			_, err = env.Publish()
			Expect(err).NotTo(HaveOccurred())
			Expect(env.Target.Items(helpers.Students)).To(HaveLen(1))

			version, ok, err := env.ProcessedVersion(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(version).To(Equal(int64(2)))
		})
	})

	Context("What-if", func() {
		It("should report the plan without writing to the target or the state store", func() {
			env.Source.AddItem(helpers.Students, helpers.Student("604822", "Lisa"), 1)

			out, err := env.Publish("--whatIf")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring("What-if: publishing source to target"))

			Expect(env.Target.CallsTo(http.MethodPost, "/data/v3")).To(BeEmpty())
			_, ok, err := env.ProcessedVersion(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})
})

var _ = Describe("Resource selection", Label("selection"), func() {
	var (
		tempDir string
		env     *helpers.Environment
	)

	AfterEach(func() {
		env.Close()
		cleanupTempDir(tempDir)
	})

	DescribeTable("should publish only the selected resources",
		func(key, value string, want map[string]int) {
			tempDir = createTempDir("selection-test-")

			var err error
			env, err = helpers.NewEnvironment(tempDir, helpers.WithSourceSetting(key, value))
			Expect(err).NotTo(HaveOccurred())

			env.Source.AddItem(helpers.Schools, helpers.School(255901), 1)
			env.Source.AddItem(helpers.Students, helpers.Student("604822", "Lisa"), 2)
			env.Source.AddItem(helpers.Sections, helpers.Section("ALG-1", 255901), 3)

			_, err = env.Publish()
			Expect(err).NotTo(HaveOccurred())

			for resource, count := range want {
				Expect(env.Target.Items(resource)).To(HaveLen(count), resource)
			}
		},
		Entry("include pulls in dependencies", "include", "students",
			map[string]int{helpers.Schools: 1, helpers.Students: 1, helpers.Sections: 0}),
		Entry("includeOnly skips dependencies", "includeOnly", "students",
			map[string]int{helpers.Schools: 0, helpers.Students: 1, helpers.Sections: 0}),
		Entry("exclude removes the resource", "exclude", "students",
			map[string]int{helpers.Schools: 1, helpers.Students: 0, helpers.Sections: 1}),
		Entry("excludeOnly removes only the resource", "excludeOnly", "schools",
			map[string]int{helpers.Schools: 0, helpers.Students: 1, helpers.Sections: 1}),
	)
})
