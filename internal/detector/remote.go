package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"argos/internal/frame"
)

const detectMethod = "/argos.detection.v1.DetectionService/Detect"

// jsonCodec lets the detector speak gRPC without generated stubs; the
// detection service advertises the "json" content subtype.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type detectRequest struct {
	Camera string `json:"camera"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Image  []byte `json:"image"` // JPEG, base64 in transit
}

type detectResponse struct {
	Objects []struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
		X1         float64 `json:"x1"`
		Y1         float64 `json:"y1"`
		X2         float64 `json:"x2"`
		Y2         float64 `json:"y2"`
	} `json:"objects"`
}

// Remote is an object detector backed by a gRPC detection service. One
// instance is shared by every camera configured with the same endpoint.
type Remote struct {
	name      string
	endpoint  string
	modelSize int
	timeout   time.Duration

	conn   *grpc.ClientConn
	health grpc_health_v1.HealthClient
	logger zerolog.Logger
}

// NewRemote dials the detection service. The connection is non-blocking;
// calls fail until the service is reachable.
func NewRemote(name, endpoint string, modelSize int, timeout time.Duration) (*Remote, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	// Keepalive detects dead connections quickly, which matters when the
	// detection service restarts on another host.
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("dial detection service: %w", err)
	}

	return &Remote{
		name:      name,
		endpoint:  endpoint,
		modelSize: modelSize,
		timeout:   timeout,
		conn:      conn,
		health:    grpc_health_v1.NewHealthClient(conn),
		logger:    log.With().Str("component", "detector").Str("endpoint", endpoint).Logger(),
	}, nil
}

// Name returns the detector identifier.
func (r *Remote) Name() string { return r.name }

// ModelWidth returns the square model input size.
func (r *Remote) ModelWidth() int { return r.modelSize }

// ModelHeight returns the square model input size.
func (r *Remote) ModelHeight() int { return r.modelSize }

// Preprocess JPEG-encodes the letterboxed view so Detect only has to ship
// bytes. Runs in the frame worker, outside the detection lock.
func (r *Remote) Preprocess(fts *frame.FrameToScan) {
	view := fts.Frame.GetView(fts.DetectorName, r.modelSize, r.modelSize)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, view.Image, &jpeg.Options{Quality: 80}); err != nil {
		r.logger.Warn().Err(err).Msg("failed to encode scan frame")
		return
	}
	fts.Preprocessed = buf.Bytes()
}

// Detect sends the preprocessed frame to the detection service and returns
// objects in model-relative coordinates.
func (r *Remote) Detect(ctx context.Context, fts *frame.FrameToScan) ([]frame.DetectedObject, error) {
	data, ok := fts.Preprocessed.([]byte)
	if !ok || len(data) == 0 {
		return nil, fmt.Errorf("scan frame for %s was not preprocessed", fts.Camera)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req := &detectRequest{
		Camera: fts.Camera,
		Width:  r.modelSize,
		Height: r.modelSize,
		Image:  data,
	}
	resp := &detectResponse{}
	if err := r.conn.Invoke(ctx, detectMethod, req, resp, grpc.CallContentSubtype("json")); err != nil {
		return nil, fmt.Errorf("detect rpc: %w", err)
	}

	objects := make([]frame.DetectedObject, 0, len(resp.Objects))
	for _, o := range resp.Objects {
		obj := frame.DetectedObject{
			Label:      o.Label,
			Confidence: o.Confidence,
			RelX1:      o.X1,
			RelY1:      o.Y1,
			RelX2:      o.X2,
			RelY2:      o.Y2,
		}
		if obj.Valid() != nil {
			r.logger.Warn().
				Str("label", o.Label).
				Msg("detection service returned an inverted bounding box, skipping")
			continue
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// Healthy checks the service with the standard gRPC health protocol.
func (r *Remote) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := r.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return false
	}
	return resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
}

// Close tears down the connection.
func (r *Remote) Close() error {
	return r.conn.Close()
}

var _ ObjectDetector = (*Remote)(nil)
