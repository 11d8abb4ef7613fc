package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/omrchecker/omrd/app/conditions"
	"github.com/omrchecker/omrd/app/engine"
	"github.com/omrchecker/omrd/app/provision"
	"github.com/omrchecker/omrd/app/service"
	"github.com/omrchecker/omrd/app/store"
	"github.com/omrchecker/omrd/app/store/enums"
)

var opts struct {
	DB          string        `short:"f" long:"db" env:"OMRD_DB" default:"omrd.db" description:"sqlite database file"`
	ConfigDir   string        `short:"c" long:"config-dir" env:"OMRD_CONFIG_DIR" default:"." description:"scan configuration directory"`
	Concurrency int           `long:"concurrency" env:"OMRD_CONCURRENCY" default:"4" description:"max jobs processed in parallel"`
	PollEvery   time.Duration `long:"poll-every" env:"OMRD_POLL_EVERY" default:"10s" description:"how often to pick up pending jobs"`
	Dbg         bool          `long:"dbg" env:"OMRD_DEBUG" description:"debug mode"`

	Engine struct {
		Command string        `long:"command" env:"COMMAND" description:"recognizer command, {image} and {config} substituted per sheet"`
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"2m" description:"recognizer timeout per sheet"`
	} `group:"engine" namespace:"engine" env-namespace:"OMRD_ENGINE"`

	Fetch struct {
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"image download timeout"`
	} `group:"fetch" namespace:"fetch" env-namespace:"OMRD_FETCH"`

	Webhook struct {
		Timeout    time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"callback delivery timeout"`
		RetryEvery time.Duration `long:"retry-every" env:"RETRY_EVERY" default:"5m" description:"failed callback sweep interval"`
		RetryMax   int           `long:"retry-max" env:"RETRY_MAX" default:"20" description:"max callbacks re-sent per sweep"`
	} `group:"webhook" namespace:"webhook" env-namespace:"OMRD_WEBHOOK"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"how many times to repeat a failed delivery"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"OMRD_REPEATER"`

	Limits struct {
		CPUBelow      int           `long:"cpu-below" env:"CPU_BELOW" default:"0" description:"start jobs only when cpu%% is below, 0 disables"`
		MemBelow      int           `long:"mem-below" env:"MEM_BELOW" default:"0" description:"start jobs only when mem%% is below, 0 disables"`
		LoadBelow     float64       `long:"load-below" env:"LOAD_BELOW" default:"0" description:"start jobs only when loadavg is below, 0 disables"`
		CheckInterval time.Duration `long:"check-interval" env:"CHECK_INTERVAL" default:"30s" description:"how often to re-check an unmet limit"`
		MaxPostpone   time.Duration `long:"max-postpone" env:"MAX_POSTPONE" default:"10m" description:"run anyway after postponing this long"`
	} `group:"limits" namespace:"limits" env-namespace:"OMRD_LIMITS"`

	Operators struct {
		File   string `long:"file" env:"FILE" description:"operators YAML file"`
		Apply  bool   `long:"apply" env:"APPLY" description:"apply the operators file and exit"`
		List   bool   `long:"list" env:"LIST" description:"list operators and exit"`
		Delete string `long:"delete" env:"DELETE" description:"delete operator by id and exit"`
	} `group:"operators" namespace:"operators" env-namespace:"OMRD_OPERATORS"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable log to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"omrd.log" description:"location of log file"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"maximum size in megabytes of the log file before it gets rotated"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"maximum number of old log files to retain"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"maximum number of days to retain old log files"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"determines if the rotated log files should be compressed using gzip"`
	} `group:"log" namespace:"log" env-namespace:"OMRD_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("omrd %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}

	logWriter := setupLogs()
	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
		if l, ok := logWriter.(*lumberjack.Logger); ok {
			_ = l.Close()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	st, err := store.New(opts.DB)
	if err != nil {
		log.Printf("[ERROR] failed to open store at %s, %v", opts.DB, err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()
	if err := st.Initialize(); err != nil {
		log.Printf("[ERROR] failed to initialize store at %s, %v", opts.DB, err)
		os.Exit(1)
	}

	if opts.Operators.Apply || opts.Operators.List || opts.Operators.Delete != "" {
		if err := runOperatorOps(ctx, st); err != nil {
			log.Printf("[ERROR] operator operation failed, %v", err)
			os.Exit(1)
		}
		return
	}

	run(ctx, st)
}

// run wires the services and drives pending jobs until the context ends
func run(ctx context.Context, st *store.Store) {
	jobs := service.NewJobService(st)
	webhooks := service.NewWebhookService(jobs, st, makeSender(), makeRepeater(), opts.Webhook.Timeout)

	proc := service.NewProcessor(jobs, makeEngine(), &service.HTTPFetcher{Timeout: opts.Fetch.Timeout},
		webhooks, opts.Concurrency)
	proc.Conditions = makeConditions()
	proc.CheckInterval = opts.Limits.CheckInterval
	proc.MaxPostpone = opts.Limits.MaxPostpone

	// a job stays PENDING until a poll pass picks it up; the submitted set
	// keeps a gated job from being enqueued twice before it turns PROCESSING
	var mu sync.Mutex
	submitted := map[string]struct{}{}
	pollPending := func() {
		pending, err := st.Jobs.ListByStatus(ctx, enums.JobPending)
		if err != nil {
			log.Printf("[ERROR] failed to list pending jobs, %v", err)
			return
		}
		for _, job := range pending {
			mu.Lock()
			_, seen := submitted[job.ID]
			if !seen {
				submitted[job.ID] = struct{}{}
			}
			mu.Unlock()
			if seen {
				continue
			}
			log.Printf("[INFO] picked up pending job %s", job.ID)
			proc.Submit(job.ID, opts.ConfigDir)
		}
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every "+opts.PollEvery.String(), pollPending); err != nil {
		log.Printf("[ERROR] failed to schedule pending jobs poll, %v", err)
		os.Exit(1)
	}
	if _, err := scheduler.AddFunc("@every "+opts.Webhook.RetryEvery.String(), func() {
		webhooks.RetryFailedCallbacks(ctx, opts.Webhook.RetryMax)
	}); err != nil {
		log.Printf("[ERROR] failed to schedule callback retry sweep, %v", err)
		os.Exit(1)
	}

	pollPending() // pick up jobs left over from before the restart
	scheduler.Start()
	log.Printf("[INFO] started, db %s, concurrency %d, poll every %s", opts.DB, opts.Concurrency, opts.PollEvery)

	<-ctx.Done()
	log.Printf("[INFO] termination requested")
	<-scheduler.Stop().Done()
	proc.Wait()
	log.Printf("[INFO] terminated")
}

// runOperatorOps executes the one-shot operator management modes
func runOperatorOps(ctx context.Context, st *store.Store) error {
	if opts.Operators.Delete != "" {
		if err := st.Operators.Delete(ctx, opts.Operators.Delete); err != nil {
			return fmt.Errorf("failed to delete operator %s: %w", opts.Operators.Delete, err)
		}
		fmt.Printf("deleted operator %s\n", opts.Operators.Delete)
		return nil
	}

	if opts.Operators.Apply {
		if opts.Operators.File == "" {
			return fmt.Errorf("operators file is required for apply")
		}
		f, err := provision.Load(opts.Operators.File)
		if err != nil {
			return err
		}
		results, err := provision.Apply(ctx, st.Operators, f)
		if err != nil {
			return err
		}
		for _, res := range results {
			action := "updated"
			if res.Created {
				action = "created"
			}
			fmt.Printf("%s %s token=%s webhook=%s\n", action, res.Operator.ID, res.Operator.Token, res.Operator.WebhookURL)
		}
		return nil
	}

	ops, err := st.Operators.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list operators: %w", err)
	}
	for _, op := range ops {
		fmt.Printf("%s token=%s webhook=%s created=%s\n", op.ID, op.Token, op.WebhookURL, op.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func makeEngine() *engine.CLI {
	return &engine.CLI{Command: opts.Engine.Command, Timeout: opts.Engine.Timeout}
}

func makeSender() service.Sender {
	return notify.NewWebhook(notify.WebhookParams{
		Timeout: opts.Webhook.Timeout,
		Headers: []string{"Content-Type:application/json"},
	})
}

// makeRepeater returns nil for the default single-attempt delivery
func makeRepeater() service.Repeater {
	if opts.Repeater.Attempts <= 1 {
		return nil
	}
	return repeater.New(&strategy.Backoff{Repeats: opts.Repeater.Attempts, Duration: opts.Repeater.Duration,
		Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter})
}

func makeConditions() conditions.Config {
	cfg := conditions.Config{}
	if opts.Limits.CPUBelow > 0 {
		cfg.CPUBelow = &opts.Limits.CPUBelow
	}
	if opts.Limits.MemBelow > 0 {
		cfg.MemoryBelow = &opts.Limits.MemBelow
	}
	if opts.Limits.LoadBelow > 0 {
		cfg.LoadAvgBelow = &opts.Limits.LoadBelow
	}
	return cfg
}

func setupLogs() io.Writer {
	logOpts := []log.Option{log.Msec, log.LevelBraces}
	if opts.Dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFunc, log.CallerPkg, log.CallerFile)
	}

	if !opts.Log.Enabled {
		log.Setup(append(logOpts, log.Out(os.Stdout), log.Err(os.Stderr))...)
		return os.Stdout
	}

	fileLogger := &lumberjack.Logger{
		Filename:   opts.Log.Filename,
		MaxSize:    opts.Log.MaxSize,
		MaxBackups: opts.Log.MaxBackups,
		MaxAge:     opts.Log.MaxAge,
		Compress:   opts.Log.EnabledCompress,
	}
	log.Setup(append(logOpts, log.Out(fileLogger), log.Err(fileLogger))...)
	return fileLogger
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM or SIGINT
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
