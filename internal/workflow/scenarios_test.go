package workflow

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pitabwire/claimflow/model"
)

func TestClaimScenarios(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Claim Workflow Scenarios")
}

var _ = Describe("claim lifecycle scenarios", func() {
	var (
		ctx     context.Context
		store   *MemoryClaimStore
		emitter *recordingEmitter
		engine  *Engine
		owner   *model.RequestContext
		admin   *model.RequestContext
	)

	seed := func(c model.Claim) {
		Expect(store.Create(ctx, c)).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = NewMemoryClaimStore()
		emitter = &recordingEmitter{}
		engine = NewEngine(store, NewEvaluator(), emitter, nil)
		owner = clientRctx("client-1")
		admin = adminRctx()
	})

	Context("A: a pending claim with every required document", func() {
		It("is submitted by its owner", func() {
			seed(testClaim("claim-a", model.StatusPending, completeDocs()...))

			res, err := engine.Apply(ctx, owner, "claim-a", model.ActionSubmit, model.ActionPayload{})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.ToStatus).To(Equal(model.StatusSubmitted))

			stored, err := store.Get(ctx, "claim-a")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(model.StatusSubmitted))
			Expect(emitter.all()).To(HaveLen(1))
		})
	})

	Context("B: a pending claim missing the repair estimate", func() {
		It("fails the completeness precondition naming repairEstimate", func() {
			seed(testClaim("claim-b", model.StatusPending, completeDocs()[:4]...))

			_, err := engine.Apply(ctx, owner, "claim-b", model.ActionSubmit, model.ActionPayload{})
			Expect(model.CodeOf(err)).To(Equal(model.ErrPreconditionFailed))

			var env *model.ErrorEnvelope
			Expect(err).To(BeAssignableToTypeOf(env))
			env = err.(*model.ErrorEnvelope)
			Expect(env.Details).To(ContainElement(HaveField("Field", string(model.DocRepairEstimate))))

			stored, _ := store.Get(ctx, "claim-b")
			Expect(stored.Status).To(Equal(model.StatusPending))
		})
	})

	Context("C: a submitted claim rejected by an admin", func() {
		BeforeEach(func() {
			seed(testClaim("claim-c", model.StatusSubmitted, completeDocs()...))
		})

		It("refuses a nine character reason", func() {
			_, err := engine.Apply(ctx, admin, "claim-c", model.ActionReject, model.ActionPayload{Reason: "too short"})
			Expect(model.CodeOf(err)).To(Equal(model.ErrPreconditionFailed))
		})

		It("accepts a reason of ten or more characters and stores it", func() {
			res, err := engine.Apply(ctx, admin, "claim-c", model.ActionReject, model.ActionPayload{Reason: "Receipts do not match"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Claim.Status).To(Equal(model.StatusRejected))
			Expect(res.Claim.RejectionReason).To(Equal("Receipts do not match"))
			Expect(res.Claim.RejectedAt).NotTo(BeNil())
			Expect(res.Claim.RejectedBy).To(Equal("admin-1"))
		})
	})

	Context("D: a rejected claim resubmitted by its owner", func() {
		It("returns to pending with every rejection field cleared", func() {
			seed(testClaim("claim-d", model.StatusSubmitted, completeDocs()...))
			_, err := engine.Apply(ctx, admin, "claim-d", model.ActionReject, model.ActionPayload{
				Reason:            "Estimate total is unreadable",
				RejectedDocuments: []string{"doc-estimate"},
			})
			Expect(err).NotTo(HaveOccurred())

			res, err := engine.Apply(ctx, owner, "claim-d", model.ActionResubmit, model.ActionPayload{})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Claim.Status).To(Equal(model.StatusPending))
			Expect(res.Claim.RejectionReason).To(BeEmpty())
			Expect(res.Claim.RejectedAt).To(BeNil())
			Expect(res.Claim.RejectedBy).To(BeEmpty())
			Expect(res.Claim.RejectedDocuments).To(BeEmpty())
		})
	})

	Context("E: a flagged document replaced by the owner", func() {
		It("swaps in a new unflagged record of the same type", func() {
			seed(testClaim("claim-e", model.StatusPending, completeDocs()...))
			_, err := engine.FlagDocument(ctx, admin, "claim-e", "doc-registration", "Registration has expired")
			Expect(err).NotTo(HaveOccurred())

			res, err := engine.ReplaceDocument(ctx, owner, "claim-e", "doc-registration",
				uploadFor("registration-2026.pdf", model.DocOther))
			Expect(err).NotTo(HaveOccurred())

			_, stillThere := res.Claim.DocumentIndex("doc-registration")
			Expect(stillThere).To(BeFalse())
			Expect(res.Document.DocumentType).To(Equal(model.DocVehicleRegistration))
			Expect(res.Document.ReplacedFromID).To(Equal("doc-registration"))
			Expect(res.Document.Flagged).To(BeFalse())
			Expect(res.Claim.Documents).To(HaveLen(5))

			By("allowing submission once nothing is flagged")
			_, err = engine.Apply(ctx, owner, "claim-e", model.ActionSubmit, model.ActionPayload{})
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Context("full round trip through resubmission request", func() {
		It("reaches paid after the owner fixes the requested document", func() {
			seed(testClaim("claim-f", model.StatusPending, completeDocs()...))

			_, err := engine.Apply(ctx, owner, "claim-f", model.ActionSubmit, model.ActionPayload{})
			Expect(err).NotTo(HaveOccurred())

			_, err = engine.Apply(ctx, admin, "claim-f", model.ActionRequestResubmission, model.ActionPayload{
				Reason:              "Police report page two is missing",
				DocumentsToResubmit: []string{"doc-police"},
			})
			Expect(err).NotTo(HaveOccurred())

			By("blocking submission while the requested document is flagged")
			_, err = engine.Apply(ctx, owner, "claim-f", model.ActionSubmit, model.ActionPayload{})
			Expect(model.CodeOf(err)).To(Equal(model.ErrPreconditionFailed))

			res, err := engine.ReplaceDocument(ctx, owner, "claim-f", "doc-police", uploadFor("police-full.pdf", ""))
			Expect(err).NotTo(HaveOccurred())

			claim, err := engine.AcknowledgeResubmission(ctx, owner, "claim-f", []string{res.Document.ID})
			Expect(err).NotTo(HaveOccurred())
			Expect(claim.DocumentsToResubmit).To(BeEmpty())

			for _, step := range []struct {
				rctx    *model.RequestContext
				action  model.Action
				payload model.ActionPayload
			}{
				{owner, model.ActionSubmit, model.ActionPayload{}},
				{admin, model.ActionApprove, model.ActionPayload{}},
				{admin, model.ActionPay, model.ActionPayload{Amount: 2400, Method: "bank_transfer"}},
			} {
				_, err := engine.Apply(ctx, step.rctx, "claim-f", step.action, step.payload)
				Expect(err).NotTo(HaveOccurred(), "action %s", step.action)
			}

			stored, _ := store.Get(ctx, "claim-f")
			Expect(stored.Status).To(Equal(model.StatusPaid))
			Expect(stored.FlaggedDocuments()).To(BeEmpty())
		})
	})
})
