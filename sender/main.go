package main

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/qrcm/qrcm/payload"
	"github.com/qrcm/qrcm/sendplan"
	"github.com/qrcm/qrcm/stats"
	"github.com/qrcm/qrcm/transport"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

// cellSize is the per-symbol pixel size of every rendered grid cell. Not
// operator-tunable; the display collaborator contract (§6) only constrains
// grid shape and fps.
const cellSize = 256

// Config mirrors the operator surface of §6. Values are populated from
// CLI flags first; a JSON file given via the -c flag then overrides every
// field whose key it contains.
type Config struct {
	Input          string `json:"input"`
	ChunkSize      int    `json:"chunk_size"`
	SuperblockData int    `json:"superblock_data"`
	Redundancy     int    `json:"redundancy"`
	HeaderRepeat   int    `json:"header_repeat"`
	HeaderInterval int    `json:"header_interval"`
	GridRows       int    `json:"grid_rows"`
	GridCols       int    `json:"grid_cols"`
	FPS            int    `json:"fps"`
	Compress       bool   `json:"compress"`
	VideoOutput    string `json:"video_output"`
	NoDisplay      bool   `json:"no_display"`
	StatsLog       string `json:"statslog"`
	StatsPeriod    int    `json:"statsperiod"`
}

func parseJSONConfig(config *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewDecoder(file).Decode(config)
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(1)
	}
}

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "qrcm-send"
	myApp.Usage = "encode a file, directory, or stdin stream as a sequence of QR grid frames"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "input",
			Usage: `file or directory to send; "-" reads from stdin`,
		},
		cli.IntFlag{
			Name:  "chunk-size",
			Value: 512,
			Usage: "data block size in bytes",
		},
		cli.IntFlag{
			Name:  "superblock-data",
			Value: 20,
			Usage: "data blocks per superblock (parity unit)",
		},
		cli.IntFlag{
			Name:  "redundancy",
			Value: 1,
			Usage: "parity copies emitted per superblock",
		},
		cli.IntFlag{
			Name:  "header-repeat",
			Value: 10,
			Usage: "SESSION_HEADER copies emitted before any data",
		},
		cli.IntFlag{
			Name:  "header-interval",
			Value: 100,
			Usage: "re-emit SESSION_HEADER every N data blocks; 0 disables",
		},
		cli.IntFlag{
			Name:  "grid-rows",
			Value: 2,
			Usage: "QR symbols per grid column",
		},
		cli.IntFlag{
			Name:  "grid-cols",
			Value: 2,
			Usage: "QR symbols per grid row",
		},
		cli.IntFlag{
			Name:  "fps",
			Value: 10,
			Usage: "grid frames displayed per second",
		},
		cli.BoolFlag{
			Name:  "compress",
			Usage: "gzip-wrap the prepared payload",
		},
		cli.StringFlag{
			Name:  "video-output",
			Usage: "directory to persist rendered grid frames (stand-in for a recorded video file)",
		},
		cli.BoolFlag{
			Name:  "no-display",
			Usage: "skip any interactive preview (requires video-output)",
		},
		cli.StringFlag{
			Name:  "statslog",
			Usage: "collect stats to file, aware of timeformat in golang, like: ./qrcm-send-20060102.log",
		},
		cli.IntFlag{
			Name:  "statsperiod",
			Value: 5,
			Usage: "stats collection period, in seconds",
		},
		cli.StringFlag{
			Name:  "c",
			Usage: "config from json file, which will override the command from shell",
		},
	}

	myApp.Action = func(c *cli.Context) error {
		config := Config{}
		config.Input = c.String("input")
		config.ChunkSize = c.Int("chunk-size")
		config.SuperblockData = c.Int("superblock-data")
		config.Redundancy = c.Int("redundancy")
		config.HeaderRepeat = c.Int("header-repeat")
		config.HeaderInterval = c.Int("header-interval")
		config.GridRows = c.Int("grid-rows")
		config.GridCols = c.Int("grid-cols")
		config.FPS = c.Int("fps")
		config.Compress = c.Bool("compress")
		config.VideoOutput = c.String("video-output")
		config.NoDisplay = c.Bool("no-display")
		config.StatsLog = c.String("statslog")
		config.StatsPeriod = c.Int("statsperiod")

		if c.String("c") != "" {
			checkError(parseJSONConfig(&config, c.String("c")))
		}

		if config.Input == "" {
			checkError(errors.New("qrcm-send: input is required"))
		}
		if config.ChunkSize <= 0 {
			checkError(errors.New("qrcm-send: chunk-size must be positive"))
		}
		if config.SuperblockData <= 0 {
			checkError(errors.New("qrcm-send: superblock-data must be positive"))
		}
		if config.Redundancy < 0 {
			checkError(errors.New("qrcm-send: redundancy must not be negative"))
		}
		if config.NoDisplay && config.VideoOutput == "" {
			checkError(errors.New("qrcm-send: no-display requires video-output"))
		}
		if config.FPS <= 0 {
			checkError(errors.New("qrcm-send: fps must be positive"))
		}

		log.Println("input:", config.Input)
		log.Println("chunk-size:", config.ChunkSize, "superblock-data:", config.SuperblockData, "redundancy:", config.Redundancy)
		log.Println("header-repeat:", config.HeaderRepeat, "header-interval:", config.HeaderInterval)
		log.Println("grid:", config.GridRows, "x", config.GridCols, "fps:", config.FPS)
		log.Println("compress:", config.Compress)
		log.Println("video-output:", config.VideoOutput)
		log.Println("no-display:", config.NoDisplay)

		var stdin io.Reader
		if config.Input == payload.StdinSentinel {
			stdin = os.Stdin
		}
		prepared, err := payload.Prepare(config.Input, stdin, config.Compress, "")
		checkError(err)
		defer os.Remove(prepared.Path)

		meta := sendplan.BuildMetadata(prepared, config.ChunkSize, config.SuperblockData, config.Redundancy)
		log.Println("session_id:", meta.SessionID)
		log.Println("total_size:", meta.TotalSize, "total_chunks:", meta.TotalChunks)
		log.Println("packaging:", meta.Packaging, "compression:", meta.Compression)
		log.Println("sha256:", meta.SHA256)

		planner, err := sendplan.NewPlanner(prepared.Path, meta, config.HeaderRepeat, config.HeaderInterval)
		checkError(err)
		defer planner.Close()

		outputDir := config.VideoOutput
		if outputDir == "" {
			outputDir, err = os.MkdirTemp("", "qrcm-tx-")
			checkError(err)
			defer os.RemoveAll(outputDir)
		}

		display, err := transport.NewDisplay(config.GridRows, config.GridCols, cellSize, outputDir)
		checkError(err)

		batcher := sendplan.NewBatcher(planner, config.GridRows, config.GridCols)

		counters := &stats.Counters{}
		stop := make(chan struct{})
		go stats.Log(config.StatsLog, config.StatsPeriod, counters, stop)
		defer close(stop)

		frameInterval := time.Second / time.Duration(config.FPS)
		batches := 0
		for {
			batch, err := batcher.Next()
			if err == io.EOF {
				break
			}
			checkError(err)

			if _, err := display.RenderBatch(batch); err != nil {
				checkError(err)
			}
			counters.AddBatchSent()
			batches++
			time.Sleep(frameInterval)
		}

		log.Println("session complete:", meta.SessionID, "batches:", batches)
		return nil
	}

	if err := myApp.Run(os.Args); err != nil {
		checkError(err)
	}
}
