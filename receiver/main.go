package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"

	"github.com/fatih/color"
	pkgerrors "github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/qrcm/qrcm/payload"
	"github.com/qrcm/qrcm/protocol"
	"github.com/qrcm/qrcm/reassembler"
	"github.com/qrcm/qrcm/stats"
	"github.com/qrcm/qrcm/transport"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

// Config mirrors the receiver operator surface of §6.
type Config struct {
	Input       string `json:"input"`
	GridRows    int    `json:"grid_rows"`
	GridCols    int    `json:"grid_cols"`
	Output      string `json:"output"`
	Extract     bool   `json:"extract"`
	Quiet       bool   `json:"quiet"`
	StatsLog    string `json:"statslog"`
	StatsPeriod int    `json:"statsperiod"`
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
	myApp.Name = "qrcm-recv"
	myApp.Usage = "decode a captured sequence of QR grid frames back to the original payload"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "input",
			Usage: "directory of captured grid frames (a live camera source is not implemented here)",
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
		cli.StringFlag{
			Name:  "output",
			Usage: "destination path (file, or directory when --extract is set)",
		},
		cli.BoolFlag{
			Name:  "extract",
			Usage: "unpack a tar-packaged payload into the destination directory",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "suppress informational log lines (input, grid, output, header summary)",
		},
		cli.StringFlag{
			Name:  "statslog",
			Usage: "collect stats to file, aware of timeformat in golang, like: ./qrcm-recv-20060102.log",
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
		config.GridRows = c.Int("grid-rows")
		config.GridCols = c.Int("grid-cols")
		config.Output = c.String("output")
		config.Extract = c.Bool("extract")
		config.Quiet = c.Bool("quiet")
		config.StatsLog = c.String("statslog")
		config.StatsPeriod = c.Int("statsperiod")

		if c.String("c") != "" {
			checkError(parseJSONConfig(&config, c.String("c")))
		}

		if config.Input == "" {
			checkError(pkgerrors.New("qrcm-recv: input is required"))
		}
		if config.Output == "" {
			checkError(pkgerrors.New("qrcm-recv: output is required"))
		}
		if config.GridRows <= 0 || config.GridCols <= 0 {
			checkError(pkgerrors.New("qrcm-recv: grid-rows and grid-cols must be positive"))
		}

		logln := func(v ...any) {
			if !config.Quiet {
				log.Println(v...)
			}
		}

		logln("input:", config.Input)
		logln("grid:", config.GridRows, "x", config.GridCols)
		logln("output:", config.Output, "extract:", config.Extract)

		capture, err := transport.NewCapture(config.GridRows, config.GridCols, config.Input)
		checkError(err)

		r := reassembler.New()
		counters := &stats.Counters{}
		stop := make(chan struct{})
		go stats.Log(config.StatsLog, config.StatsPeriod, counters, stop)
		defer close(stop)

		for {
			texts, err := capture.Next()
			if err == io.EOF {
				break
			}
			checkError(err)

			for _, text := range texts {
				frame, err := protocol.DecodeFrame(text)
				if err != nil {
					counters.AddFrameDropped()
					continue
				}
				counters.AddFrameDecoded()
				r.Ingest(frame)
			}

			prog := r.Progress()
			counters.SetBlocksReceived(int64(prog.ReceivedBlocks))
			counters.SetBlocksRecovered(int64(prog.RecoveredBlocks))
			if prog.Complete {
				break
			}
		}

		progress := r.Progress()
		logln("headers seen:", progress.HeaderCount, "session mismatches:", progress.SessionMismatch)
		if !progress.Complete {
			color.Red("incomplete session: %d/%d data blocks recovered", progress.ReceivedBlocks, progress.TotalChunks)
			os.Exit(1)
		}

		tempDir, err := os.MkdirTemp("", "qrcm-rx-")
		checkError(err)
		defer os.RemoveAll(tempDir)

		concatPath, err := r.Finalize(tempDir)
		if errors.Is(err, reassembler.ErrIntegrity) {
			color.Red("integrity failure: %v", err)
			os.Exit(1)
		}
		checkError(err)

		meta := r.Metadata()
		outPath, err := payload.Extract(meta, concatPath, config.Output, config.Extract)
		checkError(err)

		log.Println("wrote:", outPath)
		return nil
	}

	if err := myApp.Run(os.Args); err != nil {
		checkError(err)
	}
}
