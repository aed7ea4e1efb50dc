// Command train runs staged CIFAR-10 fine-tuning from a JSON config.
//
//	train -config examples/cifar_stages.json -logdir logs/cifar
//	train -config examples/cifar_stages.json -infer
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"sort"

	"cifarstages/cifar"
	flow "cifarstages/src"
	"cifarstages/stages"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig    = flag.String("config", "", "JSON run config (required)")
	flagEpochs    = flag.Int("epochs", 0, "default epochs per stage, overrides args.epochs")
	flagResume    = flag.String("resume", "", "checkpoint to load before the first stage")
	flagLogDir    = flag.String("logdir", "", "log and checkpoint directory, overrides args.logdir")
	flagSaveNBest = flag.Int("save-n-best", 0, "checkpoints to keep per stage, overrides args.save_n_best")
	flagDataDir   = flag.String("data", "", "CIFAR-10 binary directory, overrides data_params.data_dir")
	flagSamples   = flag.Int("samples", -1, "cap on images per split, overrides data_params.max_samples")
	flagWorkers   = flag.Int("workers", 0, "kernel goroutines, overrides args.workers")
	flagPatience  = flag.Int("patience", 0, "stop a stage after this many epochs without valid loss improvement")
	flagInfer     = flag.Bool("infer", false, "evaluate the best checkpoint on the test split instead of training")
	flagPlot      = flag.Bool("plot", true, "write loss and precision plots to the log dir")
	flagDebug     = flag.Bool("debug", false, "verbose framework logging")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if *flagConfig == "" {
		klog.Exit("usage: train -config <file.json> [flags]")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx); err != nil {
		klog.Errorf("Error:\n%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}

func loadConfig() (flow.Config, error) {
	cfg, err := flow.LoadConfig(*flagConfig)
	if err != nil {
		return cfg, err
	}
	if *flagEpochs > 0 {
		cfg.Args.Epochs = *flagEpochs
	}
	if *flagResume != "" {
		cfg.Args.Resume = *flagResume
	}
	if *flagLogDir != "" {
		cfg.Args.LogDir = *flagLogDir
	}
	if *flagSaveNBest > 0 {
		cfg.Args.SaveNBest = flagSaveNBest
	}
	if *flagDataDir != "" {
		cfg.DataParams.DataDir = *flagDataDir
	}
	if *flagSamples >= 0 {
		cfg.DataParams.MaxSamples = *flagSamples
	}
	if *flagWorkers > 0 {
		cfg.Args.Workers = *flagWorkers
	}
	return cfg, flow.ValidateConfig(cfg)
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	flow.SetDebug(*flagDebug)
	flow.SetWorkers(cfg.Args.Workers)
	klog.Infof("flow %s on %s, %d workers", flow.Version, flow.CPUInfo(), flow.Workers())

	train, valid, err := cifar.Load(cfg.DataParams.DataDir, cfg.DataParams.MaxSamples, cfg.Args.BatchSize)
	if err != nil {
		return err
	}
	net, err := stages.PrepareModel(cfg.ModelParams)
	if err != nil {
		return err
	}
	klog.V(1).Info(net.Summary())

	runner := flow.NewRunner(flow.RunnerConfig{Seed: cfg.Args.Seed})
	if *flagInfer {
		return infer(runner, net, cfg, valid)
	}

	history := flow.History()
	factory := func(params flow.CallbacksParams, args flow.Args, mode, stage string) *flow.Callbacks {
		callbacks := stages.PrepareCallbacks(params, args, mode, stage).Set("history", history)
		if *flagPatience > 0 {
			callbacks.Set("early-stopping", flow.EarlyStopping(flow.EarlyStoppingConfig{Patience: *flagPatience}))
		}
		return callbacks
	}
	states, err := runner.RunStages(ctx, net, cfg, "train", []*flow.Loader{train, valid}, factory)
	for _, s := range states {
		if v, ok := s.Metric(flow.ValidLoader, "loss"); ok {
			klog.Infof("stage %s: final valid loss %.4f", s.Stage, v)
		}
	}
	if err != nil {
		return err
	}

	if *flagPlot && cfg.Args.LogDir != "" {
		for _, metric := range []string{"loss", "precision01"} {
			path := filepath.Join(cfg.Args.LogDir, metric+".png")
			if err := savePlot(history, metric, path); err != nil {
				klog.Warningf("plot %s: %v", metric, err)
				continue
			}
			klog.Infof("wrote %s", path)
		}
	}
	return nil
}

// infer evaluates the resume checkpoint, or the best checkpoint under the
// log dir, on the valid loader.
func infer(runner *flow.Runner, net *flow.Network, cfg flow.Config, valid *flow.Loader) error {
	path := cfg.Args.Resume
	if path == "" {
		path = flow.BestCheckpointPath(cfg.Args.LogDir)
	}
	ckpt, err := flow.LoadCheckpoint(path)
	if err != nil {
		return err
	}
	if err := ckpt.Restore(net); err != nil {
		return errors.Wrapf(err, "restore %s", path)
	}
	klog.Infof("loaded %s (run %s, %s epoch %d)", path, ckpt.RunID, ckpt.Stage, ckpt.Epoch)

	results, err := runner.Evaluate(net, valid, stages.DefaultPrecisionArgs...)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		klog.Infof("%s %s=%.4f", valid.Name, name, results[name])
	}
	return nil
}
