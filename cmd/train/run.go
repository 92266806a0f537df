package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os/signal"
	"path"
	"strconv"
	"syscall"

	"github.com/Brownie44l1/fruit-api/internal/artifact"
	"github.com/Brownie44l1/fruit-api/internal/config"
	"github.com/Brownie44l1/fruit-api/internal/dataset"
	"github.com/Brownie44l1/fruit-api/internal/model"
	"github.com/Brownie44l1/fruit-api/internal/nn"
	"github.com/Brownie44l1/fruit-api/internal/store"
	"github.com/Brownie44l1/fruit-api/internal/train"
	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var configPath string
	var logLevel int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.ParseTrain(configPath)
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}

			stdr.SetVerbosity(logLevel)
			logger := stdr.New(log.Default())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, &c, cmd.OutOrStdout(), logger); err != nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the config file")
	cmd.Flags().IntVar(&logLevel, "v", 0, "Log level")
	return cmd
}

func run(ctx context.Context, c *config.TrainConfig, out io.Writer, logger logr.Logger) error {
	log := logger.WithName("train")

	folder := dataset.NewImageFolder(c.DatasetRoot, c.MaxDepth)
	if err := folder.Prepare(ctx); err != nil {
		return fmt.Errorf("prepare dataset: %w", err)
	}
	synset := folder.Synset()
	log.Info("Loaded dataset", "root", c.DatasetRoot, "images", folder.Len(), "classes", synset)
	if len(synset) != model.NumOfOutput {
		log.Info("Number of classes differs from the reference dataset", "classes", len(synset), "reference", model.NumOfOutput)
	}

	parts, err := folder.RandomSplit(c.Seed, c.SplitRatios...)
	if err != nil {
		return err
	}
	trainLoader := &dataset.Loader{
		Items:       parts[0],
		Transform:   dataset.TrainTransform(model.ImageWidth, model.ImageHeight),
		BatchSize:   c.BatchSize,
		Shuffle:     true,
		Parallelism: c.Parallelism,
		Seed:        c.Seed,
	}
	var validateLoader *dataset.Loader
	if len(parts[1]) > 0 {
		validateLoader = &dataset.Loader{
			Items:       parts[1],
			Transform:   dataset.EvalTransform(model.ImageWidth, model.ImageHeight),
			BatchSize:   c.BatchSize,
			Parallelism: c.Parallelism,
		}
	}
	log.Info("Split dataset", "train", len(parts[0]), "validate", len(parts[1]))

	net := model.New(len(synset))
	solver, err := nn.NewSolver(c.Optimizer, float64(c.LearningRate))
	if err != nil {
		return err
	}
	trainer := train.New(net, train.Config{
		Solver:    solver,
		Listeners: []train.Listener{train.NewLoggingListener(logger)},
		Seed:      c.Seed,
	})
	if err := trainer.Initialize(model.InputShape(c.BatchSize)); err != nil {
		return err
	}
	defer func() { _ = trainer.Close() }()

	res, err := trainer.Fit(ctx, c.Epochs, trainLoader, validateLoader)
	if err != nil {
		return err
	}
	props := res.Properties()
	log.Info("Training finished", "epochs", props[train.PropertyEpoch], "accuracy", props[train.PropertyAccuracy], "loss", props[train.PropertyLoss])

	paths, err := artifact.Save(c.ModelDir, c.ModelName, len(res.Epochs), net.Params(), synset, props)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "Model parameters saved to: %s\n", paths.Params)
	_, _ = fmt.Fprintf(out, "Synset saved to: %s\n", paths.Synset)
	_, _ = fmt.Fprintf(out, "Model archive saved to: %s\n", paths.Zip)

	if c.S3 != nil {
		s3c, err := artifact.NewS3Client(ctx, *c.S3)
		if err != nil {
			return err
		}
		if err := s3c.UploadFile(ctx, paths.Zip, c.S3.Key); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "Model archive uploaded to: s3://%s/%s\n", c.S3.Bucket, path.Clean(c.S3.Key))
	}

	if c.Store.Path != "" {
		st, err := store.New(c.Store.Path)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		accuracy, _ := strconv.ParseFloat(props[train.PropertyAccuracy], 64)
		loss, _ := strconv.ParseFloat(props[train.PropertyLoss], 64)
		r, err := st.AddTrainingRun(ctx, store.TrainingRun{
			DatasetRoot:  c.DatasetRoot,
			NumClasses:   len(synset),
			TrainSize:    len(parts[0]),
			ValidateSize: len(parts[1]),
			Epochs:       len(res.Epochs),
			Accuracy:     accuracy,
			Loss:         loss,
			ArtifactPath: paths.Zip,
		})
		if err != nil {
			return err
		}
		log.Info("Recorded training run", "id", r.ID)
	}
	return nil
}
