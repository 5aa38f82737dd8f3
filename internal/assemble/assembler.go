// Package assemble converts ordered page captures into one paginated PDF
// sized to a named paper format.
package assemble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png" // register PNG screenshots
	"math"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp" // register WebP screenshots

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
)

const mmPerInch = 25.4

// Orientation of the output pages.
type Orientation string

// Supported orientations.
const (
	Landscape Orientation = "landscape"
	Portrait  Orientation = "portrait"
)

// PaperSize is a named page format in millimetres, portrait.
type PaperSize struct {
	Name     string
	WidthMM  float64
	HeightMM float64
}

var paperSizes = map[string]PaperSize{
	"A3":      {Name: "A3", WidthMM: 297, HeightMM: 420},
	"A4":      {Name: "A4", WidthMM: 210, HeightMM: 297},
	"A5":      {Name: "A5", WidthMM: 148, HeightMM: 210},
	"LETTER":  {Name: "Letter", WidthMM: 215.9, HeightMM: 279.4},
	"LEGAL":   {Name: "Legal", WidthMM: 215.9, HeightMM: 355.6},
	"TABLOID": {Name: "Tabloid", WidthMM: 279.4, HeightMM: 431.8},
}

// LookupPaperSize resolves a paper size name case-insensitively.
func LookupPaperSize(name string) (PaperSize, bool) {
	p, ok := paperSizes[strings.ToUpper(strings.TrimSpace(name))]
	return p, ok
}

// Config holds assembler configuration.
type Config struct {
	PaperSize   string
	DPI         int
	Orientation Orientation
	// Quality is the JPEG quality (1-100) used for embedded pages.
	Quality int
	// PageLabels draws "n / N" in the bottom margin of every page.
	PageLabels bool
	// Timestamp is written as the document creation date. The zero value
	// writes the Unix epoch so identical input yields identical output.
	Timestamp time.Time
}

// ErrNoPages is returned when there is nothing to assemble.
var ErrNoPages = errors.New("no pages to assemble")

// Assembler renders page captures into a PDF.
type Assembler struct {
	cfg               Config
	paper             PaperSize
	widthMM, heightMM float64
	widthPx, heightPx int
	logger            *zap.Logger
}

// New validates cfg and creates an Assembler.
func New(cfg Config, logger *zap.Logger) (*Assembler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PaperSize == "" {
		cfg.PaperSize = "A4"
	}
	paper, ok := LookupPaperSize(cfg.PaperSize)
	if !ok {
		return nil, fmt.Errorf("unknown paper size %q", cfg.PaperSize)
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 150
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 85
	}
	switch cfg.Orientation {
	case "":
		cfg.Orientation = Landscape
	case Landscape, Portrait:
	default:
		return nil, fmt.Errorf("unknown orientation %q", cfg.Orientation)
	}
	if cfg.Timestamp.IsZero() {
		cfg.Timestamp = time.Unix(0, 0).UTC()
	}

	a := &Assembler{cfg: cfg, paper: paper, logger: logger.Named("assemble")}
	a.widthMM, a.heightMM = paper.WidthMM, paper.HeightMM
	if cfg.Orientation == Landscape {
		a.widthMM, a.heightMM = paper.HeightMM, paper.WidthMM
	}
	a.widthPx = int(math.Round(a.widthMM / mmPerInch * float64(cfg.DPI)))
	a.heightPx = int(math.Round(a.heightMM / mmPerInch * float64(cfg.DPI)))
	return a, nil
}

// PageBox returns the pixel size of every output page.
func (a *Assembler) PageBox() (width, height int) {
	return a.widthPx, a.heightPx
}

// Assemble renders pages in order into one PDF. Output page i is input
// capture i; duplicate page numbers or empty input fail.
func (a *Assembler) Assemble(ctx context.Context, pages capture.Captures) (capture.Document, error) {
	const op = "assemble"
	if len(pages) == 0 {
		return capture.Document{}, capture.Wrap(capture.KindAssemblyFailed, op, ErrNoPages)
	}
	seen := make(map[int]struct{}, len(pages))
	for _, p := range pages {
		if _, dup := seen[p.Number]; dup {
			return capture.Document{}, capture.Errorf(capture.KindAssemblyFailed, op, "duplicate page %d", p.Number)
		}
		seen[p.Number] = struct{}{}
	}

	pdf := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "mm",
		Size:           fpdf.SizeType{Wd: a.widthMM, Ht: a.heightMM},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetCatalogSort(true)
	pdf.SetCreationDate(a.cfg.Timestamp)
	pdf.SetCreator("doccapture", false)

	numbers := make([]int, 0, len(pages))
	for i, p := range pages {
		if err := ctx.Err(); err != nil {
			kind := capture.KindAssemblyFailed
			if errors.Is(err, context.Canceled) {
				kind = capture.KindCancelled
			}
			return capture.Document{}, capture.Wrap(kind, op, err)
		}
		jpg, err := a.renderPage(p.Image, i+1, len(pages))
		if err != nil {
			return capture.Document{}, capture.Wrap(capture.KindAssemblyFailed, fmt.Sprintf("%s page %d", op, p.Number), err)
		}
		name := fmt.Sprintf("page-%04d", i+1)
		opts := fpdf.ImageOptions{ImageType: "JPG"}
		pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(jpg))
		pdf.AddPage()
		pdf.ImageOptions(name, 0, 0, a.widthMM, a.heightMM, false, opts, 0, "")
		if pdf.Err() {
			return capture.Document{}, capture.Wrap(capture.KindAssemblyFailed, fmt.Sprintf("%s page %d", op, p.Number), pdf.Error())
		}
		numbers = append(numbers, p.Number)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return capture.Document{}, capture.Wrap(capture.KindAssemblyFailed, op, err)
	}
	doc := capture.Document{
		Bytes:        buf.Bytes(),
		PageCount:    len(numbers),
		ByteSize:     buf.Len(),
		PageNumbers:  numbers,
		PageWidthPx:  a.widthPx,
		PageHeightPx: a.heightPx,
		ContentType:  "application/pdf",
	}
	a.logger.Debug("assembled document",
		zap.Int("pages", doc.PageCount),
		zap.Int("bytes", doc.ByteSize),
		zap.String("paper", a.paper.Name),
	)
	return doc, nil
}

// renderPage fits one screenshot into the page box without upscaling,
// centres it on a white canvas, and encodes the canvas as JPEG.
func (a *Assembler) renderPage(raw []byte, index, total int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	canvas := a.canvas(src)
	if a.cfg.PageLabels {
		drawLabel(canvas, fmt.Sprintf("%d / %d", index, total))
	}
	var out bytes.Buffer
	if err := jpeg.Encode(&out, canvas, &jpeg.Options{Quality: a.cfg.Quality}); err != nil {
		return nil, fmt.Errorf("encode page: %w", err)
	}
	return out.Bytes(), nil
}

func (a *Assembler) canvas(src image.Image) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, a.widthPx, a.heightPx))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(canvas, fitRect(src.Bounds(), canvas.Bounds()), src, src.Bounds(), draw.Over, nil)
	return canvas
}

// fitRect scales src to fit inside box preserving aspect ratio, never
// upscaling, and centres the result.
func fitRect(src, box image.Rectangle) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	bw, bh := box.Dx(), box.Dy()
	scale := math.Min(1, math.Min(float64(bw)/float64(sw), float64(bh)/float64(sh)))
	w := max(1, int(math.Round(float64(sw)*scale)))
	h := max(1, int(math.Round(float64(sh)*scale)))
	x := box.Min.X + (bw-w)/2
	y := box.Min.Y + (bh-h)/2
	return image.Rect(x, y, x+w, y+h)
}

func drawLabel(canvas *image.RGBA, text string) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(color.Gray{Y: 96}),
		Face: face,
	}
	width := d.MeasureString(text).Ceil()
	b := canvas.Bounds()
	d.Dot = fixed.P(b.Max.X-width-8, b.Max.Y-8)
	d.DrawString(text)
}
