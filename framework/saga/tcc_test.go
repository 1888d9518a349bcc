package saga

import (
	"testing"
	"time"
)

func newTCCSaga(t *testing.T, steps ...TCCStep) *Saga {
	t.Helper()
	state := NewSagaState("booking", "booking-1")
	sg := NewSaga(nil, state, newTestCodec(t))
	for _, step := range steps {
		if err := sg.AddTCCStep(step); err != nil {
			t.Fatalf("AddTCCStep(%s) failed: %v", step.Name, err)
		}
	}
	return sg
}

func inventoryStep() TCCStep {
	return TCCStep{
		Name:    "inventory",
		Try:     &reserveInventoryCmd{OrderID: "booking-1"},
		Confirm: &confirmReservationCmd{OrderID: "booking-1"},
		Cancel:  &cancelReservationCmd{OrderID: "booking-1"},
	}
}

func paymentStep() TCCStep {
	return TCCStep{
		Name:    "payment",
		Try:     &authorizePaymentCmd{OrderID: "booking-1"},
		Confirm: &capturePaymentCmd{OrderID: "booking-1"},
		Cancel:  &voidPaymentCmd{OrderID: "booking-1"},
	}
}

func TestTCC_HappyPath(t *testing.T) {
	sg := newTCCSaga(t, inventoryStep(), paymentStep())
	state := sg.State()

	if err := sg.BeginTCC(); err != nil {
		t.Fatalf("BeginTCC failed: %v", err)
	}

	cmds := sg.CollectCommands()
	if len(cmds) != 2 {
		t.Fatalf("Expected 2 try commands, got %d", len(cmds))
	}
	if cmds[0].CommandName() != "inventory.reserve" || cmds[1].CommandName() != "payment.authorize" {
		t.Errorf("Unexpected try commands: %s, %s", cmds[0].CommandName(), cmds[1].CommandName())
	}
	for _, record := range state.TCCSteps {
		if record.Phase != TCCPhaseTrying {
			t.Errorf("Step %s: expected phase trying, got %s", record.Name, record.Phase)
		}
	}

	// Первый шаг зарезервирован, подтверждения еще не уходят
	if err := sg.MarkStepTried("inventory"); err != nil {
		t.Fatalf("MarkStepTried failed: %v", err)
	}
	if cmds := sg.CollectCommands(); len(cmds) != 0 {
		t.Fatalf("Confirms must not be dispatched until all steps are tried, got %d", len(cmds))
	}

	// Второй шаг зарезервирован, уходят оба Confirm
	if err := sg.MarkStepTried("payment"); err != nil {
		t.Fatalf("MarkStepTried failed: %v", err)
	}
	cmds = sg.CollectCommands()
	if len(cmds) != 2 {
		t.Fatalf("Expected 2 confirm commands, got %d", len(cmds))
	}
	if cmds[0].CommandName() != "inventory.confirm" || cmds[1].CommandName() != "payment.capture" {
		t.Errorf("Unexpected confirm commands: %s, %s", cmds[0].CommandName(), cmds[1].CommandName())
	}

	if err := sg.MarkStepConfirmed("inventory"); err != nil {
		t.Fatalf("MarkStepConfirmed failed: %v", err)
	}
	if state.Status == StatusCompleted {
		t.Fatal("Saga must not complete until all steps are confirmed")
	}
	if err := sg.MarkStepConfirmed("payment"); err != nil {
		t.Fatalf("MarkStepConfirmed failed: %v", err)
	}

	if state.Status != StatusCompleted {
		t.Errorf("Expected status completed, got %s", state.Status)
	}
}

func TestTCC_RollbackReverseOrder(t *testing.T) {
	stepA := TCCStep{
		Name:    "inventory",
		Try:     &reserveInventoryCmd{OrderID: "booking-1"},
		Confirm: &confirmReservationCmd{OrderID: "booking-1"},
		Cancel:  &cancelReservationCmd{OrderID: "booking-1"},
	}
	stepB := paymentStep()
	stepC := TCCStep{
		Name:    "charge",
		Try:     &chargePaymentCmd{OrderID: "booking-1"},
		Confirm: &capturePaymentCmd{OrderID: "booking-1"},
		Cancel:  &refundPaymentCmd{OrderID: "booking-1"},
	}

	sg := newTCCSaga(t, stepA, stepB, stepC)
	state := sg.State()

	if err := sg.BeginTCC(); err != nil {
		t.Fatalf("BeginTCC failed: %v", err)
	}
	sg.CollectCommands()

	for _, name := range []string{"inventory", "payment", "charge"} {
		if err := sg.MarkStepTried(name); err != nil {
			t.Fatalf("MarkStepTried(%s) failed: %v", name, err)
		}
	}
	sg.CollectCommands()

	// Провал среднего шага: откатываются остальные в обратном порядке объявления
	if err := sg.MarkStepFailed("payment", "authorization declined"); err != nil {
		t.Fatalf("MarkStepFailed failed: %v", err)
	}

	if state.Status != StatusCompensating {
		t.Errorf("Expected status compensating, got %s", state.Status)
	}
	if state.TCCStep("payment").Phase != TCCPhaseFailed {
		t.Errorf("Failed step phase: expected failed, got %s", state.TCCStep("payment").Phase)
	}

	cmds := sg.CollectCommands()
	if len(cmds) != 2 {
		t.Fatalf("Expected 2 cancel commands, got %d", len(cmds))
	}
	if cmds[0].CommandName() != "payment.refund" {
		t.Errorf("First cancel must target the last declared step, got %s", cmds[0].CommandName())
	}
	if cmds[1].CommandName() != "inventory.cancel" {
		t.Errorf("Second cancel must target the first declared step, got %s", cmds[1].CommandName())
	}

	if err := sg.MarkStepCancelled("charge"); err != nil {
		t.Fatalf("MarkStepCancelled failed: %v", err)
	}
	if state.Status == StatusCompensated {
		t.Fatal("Saga must not settle until all cancels are acknowledged")
	}
	if err := sg.MarkStepCancelled("inventory"); err != nil {
		t.Fatalf("MarkStepCancelled failed: %v", err)
	}

	if state.Status != StatusCompensated {
		t.Errorf("Expected status compensated, got %s", state.Status)
	}
}

func TestTCC_BeginTwiceFails(t *testing.T) {
	sg := newTCCSaga(t, inventoryStep())
	if err := sg.BeginTCC(); err != nil {
		t.Fatalf("BeginTCC failed: %v", err)
	}
	err := sg.BeginTCC()
	if err == nil {
		t.Fatal("Second BeginTCC must fail")
	}
	if _, ok := err.(*StateError); !ok {
		t.Errorf("Expected StateError, got %T: %v", err, err)
	}
}

func TestTCC_BeginWithoutSteps(t *testing.T) {
	state := NewSagaState("booking", "booking-1")
	sg := NewSaga(nil, state, newTestCodec(t))
	if err := sg.BeginTCC(); err == nil {
		t.Fatal("BeginTCC without steps must fail")
	}
}

func TestTCC_DuplicateStepName(t *testing.T) {
	sg := newTCCSaga(t, inventoryStep())
	err := sg.AddTCCStep(inventoryStep())
	if err == nil {
		t.Fatal("Duplicate step name must be rejected")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("Expected ConfigurationError, got %T: %v", err, err)
	}
}

func TestTCC_TimeBasedRequiresTimeout(t *testing.T) {
	step := inventoryStep()
	step.ReservationType = ReservationTimeBased

	state := NewSagaState("booking", "booking-1")
	sg := NewSaga(nil, state, newTestCodec(t))
	if err := sg.AddTCCStep(step); err == nil {
		t.Fatal("time_based reservation without timeout must be rejected")
	}
}

func TestTCC_TimeoutTriggersRollback(t *testing.T) {
	timed := paymentStep()
	timed.ReservationType = ReservationTimeBased
	timed.Timeout = 50 * time.Millisecond

	sg := newTCCSaga(t, inventoryStep(), timed)
	state := sg.State()

	if err := sg.BeginTCC(); err != nil {
		t.Fatalf("BeginTCC failed: %v", err)
	}
	sg.CollectCommands()

	// До дедлайна таймаутов нет
	expired, err := sg.CheckTCCTimeouts(time.Now())
	if err != nil {
		t.Fatalf("CheckTCCTimeouts failed: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("No steps should expire before the deadline, got %v", expired)
	}

	expired, err = sg.CheckTCCTimeouts(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("CheckTCCTimeouts failed: %v", err)
	}
	if len(expired) != 1 || expired[0] != "payment" {
		t.Fatalf("Expected payment step to expire, got %v", expired)
	}

	if state.Status != StatusCompensating {
		t.Errorf("Expected status compensating, got %s", state.Status)
	}
	if state.TCCStep("payment").Phase != TCCPhaseFailed {
		t.Errorf("Expired step phase: expected failed, got %s", state.TCCStep("payment").Phase)
	}

	cmds := sg.CollectCommands()
	if len(cmds) != 1 || cmds[0].CommandName() != "inventory.cancel" {
		t.Errorf("Expected cancel for the inventory step, got %v", cmds)
	}
}

func TestTCC_StepsSurviveSerialization(t *testing.T) {
	sg := newTCCSaga(t, inventoryStep())
	if err := sg.BeginTCC(); err != nil {
		t.Fatalf("BeginTCC failed: %v", err)
	}

	record := sg.State().TCCStep("inventory")
	if record == nil {
		t.Fatal("Step record not found")
	}
	// Все три команды сериализованы в записи шага
	if record.TryCommand.TypeName != "inventory.reserve" ||
		record.ConfirmCommand.TypeName != "inventory.confirm" ||
		record.CancelCommand.TypeName != "inventory.cancel" {
		t.Errorf("Step record must carry all three commands: %+v", record)
	}
	if record.TryCommand.CommandID == "" {
		t.Error("Serialized commands must carry stable command IDs")
	}
}
