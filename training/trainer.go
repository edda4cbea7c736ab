package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/tsawler/go-collapse/capture"
	"github.com/tsawler/go-collapse/checkpoints"
	"github.com/tsawler/go-collapse/config"
	"github.com/tsawler/go-collapse/dataset"
	"github.com/tsawler/go-collapse/measure"
	"github.com/tsawler/go-collapse/models"
	"github.com/tsawler/go-collapse/optimizer"
	"github.com/tsawler/go-collapse/storage"
)

// Trainer drives the epoch loop: one training pass per epoch, then the
// schedule decides whether to run the measurement phase and whether to
// checkpoint. The phases of one epoch are strictly sequential so every
// measurement reflects the model exactly as it stands after that
// epoch's training step.
type Trainer struct {
	cfg *config.Experiment

	model    *models.Model
	opt      optimizer.Optimizer
	loss     Loss
	schedule *EpochSchedule
	lrSched  LRScheduler
	registry *capture.Registry
	measurer *measure.Measurer
	store    *storage.Store
	saver    *checkpoints.Saver

	trainLoader *DataLoader
	evalLoader  *DataLoader
	numClasses  int

	runID string

	// Accuracy of the most recent training pass, recorded in every
	// checkpoint written after it.
	lastTrainAcc float64

	// Epochs whose artifacts failed to persist; training continues but
	// the gaps are surfaced.
	failedEpochs []int

	// Logger receives progress events; nil discards them.
	Logger *slog.Logger
}

// defaultSeed fixes weight initialization and shuffle order so a
// config fully determines a run.
const defaultSeed int64 = 42

// NewTrainer wires an experiment together from its configuration.
// Every configuration error surfaces here, before any training step.
func NewTrainer(cfg *config.Experiment, dataRoot string) (*Trainer, error) {
	train, eval, err := dataset.Load(cfg.Data.DatasetID, dataRoot, cfg.Data.DoAugmentation, defaultSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}

	model, err := models.Build(cfg.Model.ModelName, train.InputShape(), train.NumClasses(), defaultSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}

	registry, err := capture.NewRegistry(model, cfg.Model.EmbeddingLayers)
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding registry: %w", err)
	}

	lossFn, err := NewLoss(cfg.Optimizer.Loss)
	if err != nil {
		return nil, err
	}

	measureSet, err := measure.ParseSet(cfg.Measurements.Measures)
	if err != nil {
		return nil, err
	}

	paramShapes := make([][]int, 0, len(model.Parameters()))
	for _, p := range model.Parameters() {
		paramShapes = append(paramShapes, p.Shape)
	}
	opt, err := optimizer.NewSGD(optimizer.SGDConfig{
		LearningRate: cfg.Optimizer.LR,
		Momentum:     cfg.Optimizer.Momentum,
		WeightDecay:  cfg.Optimizer.WeightDecay,
	}, paramShapes)
	if err != nil {
		return nil, fmt.Errorf("failed to create optimizer: %w", err)
	}

	store, err := storage.NewStore(cfg.Logging.SaveDir)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare save directory: %w", err)
	}
	saver, err := checkpoints.NewSaver(store.CheckpointDir())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare checkpoint directory: %w", err)
	}

	trainLoader, err := NewDataLoader(train, cfg.Data.BatchSize, true, defaultSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to create train loader: %w", err)
	}
	evalLoader, err := NewDataLoader(eval, cfg.Data.BatchSize, false, defaultSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to create eval loader: %w", err)
	}

	var lrSched LRScheduler = &NoOpScheduler{}
	if cfg.Optimizer.LRDecaySteps > 0 && cfg.Optimizer.LRDecay > 0 && cfg.Optimizer.LRDecay < 1 {
		lrSched = NewStepLRScheduler(cfg.Optimizer.LRDecaySteps, cfg.Optimizer.LRDecay)
	}

	return &Trainer{
		cfg:         cfg,
		model:       model,
		opt:         opt,
		loss:        lossFn,
		schedule:    NewEpochSchedule(cfg.Logging.LogEpochs, cfg.Logging.LogInterval, cfg.Logging.CheckpointEpochs),
		lrSched:     lrSched,
		registry:    registry,
		measurer:    measure.NewMeasurer(measureSet, cfg.Model.EmbeddingLayers),
		store:       store,
		saver:       saver,
		trainLoader: trainLoader,
		evalLoader:  evalLoader,
		numClasses:  train.NumClasses(),
		Logger:      discardLogger(),
	}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Store exposes the run's artifact store.
func (t *Trainer) Store() *storage.Store {
	return t.store
}

// FailedEpochs lists epochs whose artifacts could not be persisted.
func (t *Trainer) FailedEpochs() []int {
	return append([]int(nil), t.failedEpochs...)
}

// Run executes the experiment: epochs 0..N-1 with the per-epoch
// measurement and checkpoint phases, resuming from the latest saved
// checkpoint when one exists, and a final checkpoint at epoch N.
// Cancelling the context stops cleanly between phases, never leaving a
// partial artifact for the interrupted epoch.
func (t *Trainer) Run(ctx context.Context) error {
	startEpoch, err := t.resume()
	if err != nil {
		return err
	}
	epochs := t.cfg.Optimizer.Epochs
	if startEpoch >= epochs {
		t.Logger.Info("model already trained", "epochs", epochs)
		return nil
	}

	for epoch := startEpoch; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled before epoch %d: %w", epoch, err)
		}

		// LR decay is epoch-count driven and applies regardless of
		// whether this epoch measures.
		t.opt.UpdateLearningRate(t.lrSched.GetLR(epoch, t.cfg.Optimizer.LR))

		decision := t.schedule.Decide(epoch)

		// Epoch 0 measures the pre-training state, so its measurement
		// phase runs before the first training pass.
		if epoch == 0 {
			t.runArtifactPhase(ctx, decision, 0)
		}

		acc, err := t.trainEpoch(ctx)
		if err != nil {
			return fmt.Errorf("training failed at epoch %d: %w", epoch, err)
		}
		t.lastTrainAcc = acc
		t.Logger.Info("epoch complete",
			"epoch", epoch,
			"train_acc", acc,
			"lr", t.opt.GetLearningRate(),
			"measure", decision.Measure,
			"checkpoint", decision.Checkpoint)

		// Post-step state is keyed as epoch+1: decision for epoch e
		// governs the artifacts of the model after e training passes.
		next := t.schedule.Decide(epoch + 1)
		if epoch+1 == epochs {
			// The final state is always persisted.
			next.Checkpoint = true
			next.Measure = true
		}
		t.runArtifactPhase(ctx, next, epoch+1)
	}

	if len(t.failedEpochs) > 0 {
		t.Logger.Warn("run finished with unpersisted artifacts", "epochs", t.failedEpochs)
	}
	return nil
}

// resume restores the latest checkpoint if one exists and returns the
// epoch to continue from.
func (t *Trainer) resume() (int, error) {
	ckpt, err := t.saver.LoadLatest()
	if err != nil {
		return 0, fmt.Errorf("failed to inspect existing checkpoints: %w", err)
	}
	if ckpt == nil {
		t.runID = checkpoints.NewMetadata("").RunID
		return 0, nil
	}

	params, err := checkpoints.RestoreWeights(ckpt.Weights)
	if err != nil {
		return 0, fmt.Errorf("failed to restore weights: %w", err)
	}
	if err := t.model.LoadParameters(params); err != nil {
		return 0, fmt.Errorf("failed to load weights into model: %w", err)
	}
	if ckpt.ModelSpec != nil {
		// Weights alone leave BatchNorm running estimates at their
		// initial values; inference passes would normalize wrongly.
		if err := t.model.LoadRunningStatistics(ckpt.ModelSpec); err != nil {
			return 0, fmt.Errorf("failed to restore running statistics: %w", err)
		}
	}
	if ckpt.OptimizerState != nil {
		if err := t.opt.LoadState(ckpt.OptimizerState); err != nil {
			return 0, fmt.Errorf("failed to restore optimizer state: %w", err)
		}
	}
	t.runID = ckpt.Metadata.RunID
	t.lastTrainAcc = ckpt.TrainingState.TrainAcc
	t.Logger.Info("resumed from checkpoint", "epoch", ckpt.TrainingState.Epoch, "run_id", t.runID)
	return ckpt.TrainingState.Epoch, nil
}

// trainEpoch runs one full pass over the training set and returns the
// epoch's accuracy.
func (t *Trainer) trainEpoch(ctx context.Context) (float64, error) {
	t.trainLoader.Reset()
	totCorrect, totSamples := 0, 0

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch, err := t.trainLoader.Next()
		if err != nil {
			return 0, err
		}
		if batch == nil {
			break
		}

		preds, err := t.model.Forward(batch.Data, true)
		if err != nil {
			return 0, err
		}
		targets, err := OneHot(batch.Labels, t.numClasses)
		if err != nil {
			return 0, err
		}

		lossVal, err := t.loss.Forward(preds, targets)
		if err != nil {
			return 0, err
		}
		if math.IsNaN(lossVal) {
			return 0, fmt.Errorf("loss is NaN; the model has likely diverged, try reducing lr")
		}

		lossGrad, err := t.loss.Backward(preds, targets)
		if err != nil {
			return 0, err
		}
		grads, err := t.model.Backward(lossGrad)
		if err != nil {
			return 0, err
		}
		if err := t.opt.Step(t.model.Parameters(), grads); err != nil {
			return 0, err
		}
		// Cached activations are only needed between forward and
		// backward; dropping them bounds memory to one batch.
		t.model.ClearCaches()

		predLabels, err := preds.ArgMaxRows()
		if err != nil {
			return 0, err
		}
		for i, p := range predLabels {
			if p == batch.Labels[i] {
				totCorrect++
			}
		}
		totSamples += len(batch.Labels)
	}

	if totSamples == 0 {
		return 0, fmt.Errorf("training pass saw no samples")
	}
	return float64(totCorrect) / float64(totSamples), nil
}

// runArtifactPhase performs the measurement and checkpoint work for
// one epoch key. Persistence failures are recorded, not fatal: the run
// continues, but the gap is never silent.
func (t *Trainer) runArtifactPhase(ctx context.Context, decision EpochDecision, epochKey int) {
	if ctx.Err() != nil {
		// Cancelled: write nothing for this epoch rather than risk a
		// partial artifact.
		return
	}

	if decision.Measure {
		if err := t.measureEpoch(epochKey); err != nil {
			t.Logger.Error("measurement failed", "epoch", epochKey, "error", err)
			t.recordFailure(epochKey, "measurements", err)
		}
	}
	if decision.Checkpoint {
		if err := t.checkpointEpoch(epochKey); err != nil {
			t.Logger.Error("checkpoint failed", "epoch", epochKey, "error", err)
			t.recordFailure(epochKey, "checkpoint", err)
		}
	}
}

// measureEpoch runs one evaluation pass with taps active and persists
// the collapse statistics for the epoch key.
func (t *Trainer) measureEpoch(epochKey int) error {
	if err := t.registry.Activate(); err != nil {
		return err
	}
	defer t.registry.Deactivate()

	t.evalLoader.Reset()
	for {
		batch, err := t.evalLoader.Next()
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}
		t.registry.SetBatchLabels(batch.Labels)
		// Inference mode: no caches, no dropout, no gradient work.
		if _, err := t.model.Forward(batch.Data, false); err != nil {
			return err
		}
	}

	captures, err := t.registry.Collect()
	if err != nil {
		return err
	}
	results := t.measurer.Compute(captures)
	ordered := t.measurer.Ordered(results)
	for _, r := range ordered {
		if r.Unavailable {
			t.Logger.Warn("layer capture unavailable", "epoch", epochKey, "layer", r.Layer)
		}
	}
	return t.store.WriteMeasurements(epochKey, ordered, t.measurer.Set())
}

// checkpointEpoch persists the model and optimizer state under the
// epoch key.
func (t *Trainer) checkpointEpoch(epochKey int) error {
	weights, err := checkpoints.ExtractWeights(t.model.Spec(), t.model.Parameters())
	if err != nil {
		return err
	}
	optState, err := t.opt.GetState()
	if err != nil {
		return err
	}
	return t.saver.Save(&checkpoints.Checkpoint{
		ModelSpec: t.model.Spec(),
		Weights:   weights,
		TrainingState: checkpoints.TrainingState{
			Epoch:        epochKey,
			Step:         t.opt.GetStepCount(),
			LearningRate: t.opt.GetLearningRate(),
			TrainAcc:     t.lastTrainAcc,
		},
		OptimizerState: optState,
		Metadata:       checkpoints.NewMetadata(t.runID),
	})
}

func (t *Trainer) recordFailure(epoch int, artifact string, cause error) {
	t.failedEpochs = append(t.failedEpochs, epoch)
	if err := t.store.RecordFailure(epoch, artifact, cause); err != nil {
		t.Logger.Error("failed to record persistence failure", "epoch", epoch, "error", err)
	}
}
