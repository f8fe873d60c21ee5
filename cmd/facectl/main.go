// Command facectl manages the FaceAttend face database and attendance log
// offline, without a camera or the HTTP server.
package main

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/denis-savelyev/FaceAttend/config"
	"github.com/denis-savelyev/FaceAttend/internal/app"
	"github.com/denis-savelyev/FaceAttend/internal/attendance"
	"github.com/denis-savelyev/FaceAttend/internal/facedb"
	"github.com/denis-savelyev/FaceAttend/internal/matching"
	"github.com/denis-savelyev/FaceAttend/internal/recognition"
	"github.com/denis-savelyev/FaceAttend/internal/util/timezone"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	jsonOutput bool
)

func main() {
	root := &cobra.Command{
		Use:           "facectl",
		Short:         "Manage the FaceAttend face database and attendance log",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "/config/config.yaml", "path to the configuration file")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(
		identitiesCmd(),
		enrollCmd(),
		trainCmd(),
		clearCmd(),
		attendanceCmd(),
		exportCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openApp loads the stores described by the configuration file.
func openApp() (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.SetLevel(log.WarnLevel)
	timezone.Initialize(cfg.Server.Timezone)

	store := facedb.New(facedb.Options{
		FacesDir:      cfg.Storage.FacesDir,
		RegistryFile:  cfg.Storage.RegistryFile,
		TemplatesFile: cfg.Storage.TemplatesFile,
	})
	store.Load()
	ledger := attendance.NewLedger(cfg.Storage.AttendanceLog)
	ledger.Load()

	machine := recognition.NewMachine(matching.NewEngine(store), ledger, recognition.Options{
		Threshold: cfg.Recognition.Threshold,
	})
	return app.New(app.Options{Store: store, Ledger: ledger, Machine: machine}), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(report *facedb.TrainReport) error {
	if report == nil {
		return nil
	}
	if jsonOutput {
		return printJSON(report)
	}
	fmt.Printf("trained: %s\n", strings.Join(report.Trained, ", "))
	if len(report.Skipped) > 0 {
		fmt.Printf("skipped: %s\n", strings.Join(report.Skipped, ", "))
	}
	fmt.Printf("took %v\n", report.Duration)
	return nil
}

func identitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "identities",
		Aliases: []string{"ls"},
		Short:   "List enrolled identities",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			ids := a.Identities()
			if jsonOutput {
				return printJSON(ids)
			}
			if len(ids) == 0 {
				fmt.Println("no identities enrolled")
				return nil
			}
			for _, id := range ids {
				mark := ""
				if !id.Trained {
					mark = " (untrained)"
				}
				fmt.Printf("%-24s %3d samples%s\n", id.Name, id.Samples, mark)
			}
			return nil
		},
	}
}

func enrollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enroll <name> <dir>",
		Short: "Enroll an identity from a directory of face images",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			samples, err := loadImages(args[1])
			if err != nil {
				return err
			}
			res, err := a.EnrollImages(args[0], samples)
			if err != nil {
				return err
			}
			fmt.Printf("enrolled %s from %d images\n", res.Name, res.Captured)
			return printReport(res.Report)
		},
	}
}

var imageExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".bmp": true, ".gif": true, ".tif": true, ".tiff": true}

// loadImages decodes every image file directly inside dir, in name order.
func loadImages(dir string) ([]image.Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)

	images := make([]image.Image, 0, len(paths))
	for _, p := range paths {
		img, err := imaging.Open(p, imaging.AutoOrientation(true))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", facedb.ErrInvalidInput, err)
		}
		images = append(images, img)
	}
	return images, nil
}

func trainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Rebuild all templates from the stored samples",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			report, err := a.Retrain()
			if err != nil {
				return err
			}
			return printReport(report)
		},
	}
}

func clearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every identity, sample and template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear the face database without --yes")
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			if err := a.Clear(); err != nil {
				return err
			}
			fmt.Println("face database cleared")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the deletion")
	return cmd
}

func attendanceCmd() *cobra.Command {
	var name string
	var limit int
	cmd := &cobra.Command{
		Use:   "attendance",
		Short: "Print the attendance log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			records := filterRecords(a.Attendance(), name, limit)
			if jsonOutput {
				return printJSON(records)
			}
			if len(records) == 0 {
				fmt.Println("no attendance records")
				return nil
			}
			for _, r := range records {
				fmt.Printf("%s  %s\n", r.Timestamp, r.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "only records of this identity")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "only the last n records")
	return cmd
}

func filterRecords(records []attendance.Record, name string, limit int) []attendance.Record {
	out := make([]attendance.Record, 0, len(records))
	for _, r := range records {
		if name == "" || r.Name == name {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <path>",
		Short: "Copy the attendance log to path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			if err := a.Export(args[0]); err != nil {
				return err
			}
			fmt.Printf("attendance exported to %s\n", args[0])
			return nil
		},
	}
}
