package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/vigil/internal/enroll"
)

// EnrollOptions holds the flags of the enroll command
type EnrollOptions struct {
	Name           string
	Dir            string
	Manifest       string
	AllowDuplicate bool
	Description    string
	AddedBy        string
	Tags           string
	Age            int
	Occupation     string
	Department     string
	ContactInfo    string
	Engine         engineOpts
}

var enrollOpts EnrollOptions

var enrollCmd = &cobra.Command{
	Use:   "enroll [image]",
	Short: "Enroll identities from photos",
	Long: `Enrolls one photo, every .jpg/.jpeg/.png in a directory (--dir) or the
people listed in a YAML manifest (--manifest). Each photo must show exactly one
face. Without --name the name is taken from the file name (john_doe.jpg -> john doe).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := enrollOpts
		modes := 0
		if len(args) == 1 {
			modes++
		}
		if opts.Dir != "" {
			modes++
		}
		if opts.Manifest != "" {
			modes++
		}
		if modes != 1 {
			return errors.New("give exactly one of an image path, --dir or --manifest")
		}
		if opts.Name != "" && len(args) == 0 {
			return errors.New("--name only applies to a single image")
		}

		en, closeEngine, err := newEnroller(cmd.Context(), opts)
		if err != nil {
			return err
		}
		defer closeEngine()

		switch {
		case len(args) == 1:
			return enrollOne(cmd.Context(), en, args[0], opts)
		case opts.Dir != "":
			files, err := enroll.ImageFiles(opts.Dir)
			if err != nil {
				return err
			}
			return enrollMany(len(files), en, func() (enroll.Summary, error) {
				return en.EnrollDir(cmd.Context(), opts.Dir)
			})
		default:
			m, err := enroll.LoadManifest(opts.Manifest)
			if err != nil {
				return err
			}
			return enrollMany(len(m.People), en, func() (enroll.Summary, error) {
				return en.EnrollManifest(cmd.Context(), opts.Manifest)
			})
		}
	},
}

func init() {
	f := enrollCmd.Flags()
	f.StringVarP(&enrollOpts.Name, "name", "n", "", "Name of the person (default: derived from the file name)")
	f.StringVarP(&enrollOpts.Dir, "dir", "d", "", "Enroll every image in this directory")
	f.StringVarP(&enrollOpts.Manifest, "manifest", "m", "", "Enroll the people listed in this YAML manifest")
	f.BoolVar(&enrollOpts.AllowDuplicate, "allow-duplicate", false, "Allow names that only differ in case, accents or underscores")
	f.StringVar(&enrollOpts.Description, "description", "", "Profile description")
	f.StringVar(&enrollOpts.AddedBy, "added-by", "", "Who enrolled this person")
	f.StringVar(&enrollOpts.Tags, "tags", "", "Comma separated tags")
	f.IntVar(&enrollOpts.Age, "age", 0, "Age")
	f.StringVar(&enrollOpts.Occupation, "occupation", "", "Occupation")
	f.StringVar(&enrollOpts.Department, "department", "", "Department")
	f.StringVar(&enrollOpts.ContactInfo, "contact-info", "", "Contact information")
	addEngineFlags(enrollCmd, &enrollOpts.Engine)
	rootCmd.AddCommand(enrollCmd)
}

func newEnroller(ctx context.Context, opts EnrollOptions) (*enroll.Enroller, func(), error) {
	reg, err := loadRegistry(ctx)
	if err != nil {
		return nil, nil, err
	}
	fmt.Fprintf(os.Stderr, "⚙️  Starting face engine...\n")
	provider, err := startEngine(opts.Engine)
	if err != nil {
		return nil, nil, err
	}
	en := enroll.New(provider, DB, reg, Cfg.Engine.Dimension, Logger)
	en.AllowDuplicate = opts.AllowDuplicate
	return en, func() { provider.Close() }, nil
}

func enrollOne(ctx context.Context, en *enroll.Enroller, path string, opts EnrollOptions) error {
	rec, err := en.EnrollFile(ctx, path, enroll.Person{Name: opts.Name, Metadata: metadataFromFlags(opts)})
	if err != nil {
		return fmt.Errorf("failed to enroll %s: %w", path, err)
	}
	fmt.Printf("✅ Enrolled '%s' as identity %d\n", rec.Name, rec.ID)
	return nil
}

// enrollMany runs a bulk enrollment with a progress bar on terminals and a
// line per file otherwise.
func enrollMany(total int, en *enroll.Enroller, run func() (enroll.Summary, error)) error {
	if total == 0 {
		fmt.Println("No images to enroll.")
		return nil
	}

	var bar *progressbar.ProgressBar
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("👤 Enrolling"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionShowElapsedTimeOnFinish(),
		)
	}
	en.OnResult = func(r enroll.Result) {
		if bar != nil {
			bar.Add(1)
			return
		}
		if r.Err != nil {
			fmt.Fprintf(os.Stderr, "❌ %s: %v\n", r.Path, r.Err)
		} else {
			fmt.Fprintf(os.Stderr, "✅ %s -> '%s' (ID %d)\n", r.Path, r.Name, r.ID)
		}
	}

	sum, err := run()
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
		for _, r := range sum.Results {
			if r.Err != nil {
				fmt.Fprintf(os.Stderr, "❌ %s: %v\n", r.Path, r.Err)
			}
		}
	}
	fmt.Printf("🏁 Enrollment complete: %d added, %d failed\n", sum.Added(), sum.Failed())
	return err
}

func metadataFromFlags(o EnrollOptions) map[string]any {
	m := map[string]any{
		"description":  o.Description,
		"added_by":     o.AddedBy,
		"tags":         o.Tags,
		"occupation":   o.Occupation,
		"department":   o.Department,
		"contact_info": o.ContactInfo,
	}
	if o.Age > 0 {
		m["age"] = o.Age
	}
	return m
}
