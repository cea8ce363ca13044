package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"custodychain/internal/adapters/exports"
	"custodychain/internal/core"
	"custodychain/internal/ledger"
	"custodychain/pkg/domain"
)

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return domain.Invalid("body", "invalid json")
	}
	return nil
}

func stageParam(raw string) (domain.Stage, error) {
	return domain.ParseStage(raw)
}

func (s *Server) recordHarvest(c echo.Context) error {
	var in ledger.Harvest
	if err := bind(c, &in); err != nil {
		return err
	}
	receipt, err := s.svc.RecordHarvest(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, echo.Map{"batch_id": in.BatchID, "receipt": receipt})
}

func (s *Server) stats(c echo.Context) error {
	out, err := s.svc.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) batchInfo(c echo.Context) error {
	var size int64
	if raw := c.QueryParam("size_gm"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return domain.Invalid("size_gm", "size_gm must be a positive integer")
		}
		size = n
	}
	info, err := s.svc.BatchInfo(c.Request().Context(), c.Param("batch_id"), size)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, info)
}

type createPacketsBody struct {
	PacketSizeGM int64              `json:"packet_size_gm"`
	Count        int                `json:"count"`
	Processing   *ledger.Processing `json:"processing,omitempty"`
}

func (s *Server) createPackets(c echo.Context) error {
	var in createPacketsBody
	if err := bind(c, &in); err != nil {
		return err
	}
	res, err := s.svc.CreatePackets(c.Request().Context(), core.CreatePacketsRequest{
		BatchID:      c.Param("batch_id"),
		PacketSizeGM: in.PacketSizeGM,
		Count:        in.Count,
		Processing:   in.Processing,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (s *Server) packetsAtStage(c echo.Context) error {
	stage, err := stageParam(c.QueryParam("stage"))
	if err != nil {
		return err
	}
	batchID := c.Param("batch_id")
	ids, err := s.svc.PacketsAtStage(c.Request().Context(), batchID, stage)
	if err != nil {
		return err
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, echo.Map{"batch_id": batchID, "stage": stage, "count": len(ids), "packet_ids": ids})
}

type bulkBody struct {
	From   string             `json:"from"`
	To     string             `json:"to"`
	Count  int                `json:"count"`
	Fields ledger.StageFields `json:"fields"`
}

func (s *Server) transitionBulk(c echo.Context) error {
	var in bulkBody
	if err := bind(c, &in); err != nil {
		return err
	}
	from, err := stageParam(in.From)
	if err != nil {
		return domain.Invalid("from", "unknown stage %q", in.From)
	}
	to, err := stageParam(in.To)
	if err != nil {
		return domain.Invalid("to", "unknown stage %q", in.To)
	}
	res, err := s.svc.TransitionBulk(c.Request().Context(), core.BulkRequest{
		BatchID: c.Param("batch_id"), From: from, To: to, Count: in.Count, Fields: in.Fields,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) batchFarmers(c echo.Context) error {
	batchID := c.Param("batch_id")
	farmers, err := s.svc.FarmersForBatch(c.Request().Context(), batchID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"batch_id": batchID, "farmers": nonNil(farmers)})
}

func (s *Server) batchReport(c echo.Context) error {
	rep, err := s.svc.BatchReport(c.Request().Context(), c.Param("batch_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rep)
}

type receiveBody struct {
	BatchID  string             `json:"batch_id"`
	FarmerID string             `json:"farmer_id"`
	Count    int                `json:"count"`
	Fields   ledger.StageFields `json:"fields"`
}

func (s *Server) receive(c echo.Context) error {
	stage, err := stageParam(c.Param("stage"))
	if err != nil {
		return err
	}
	var in receiveBody
	if err := bind(c, &in); err != nil {
		return err
	}
	res, err := s.svc.Receive(c.Request().Context(), core.ReceiveRequest{
		Stage: stage, BatchID: in.BatchID, FarmerID: in.FarmerID, Count: in.Count, Fields: in.Fields,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) transitionPacket(c echo.Context) error {
	stage, err := stageParam(c.Param("stage"))
	if err != nil {
		return err
	}
	var fields ledger.StageFields
	if err := bind(c, &fields); err != nil {
		return err
	}
	res, err := s.svc.TransitionPacket(c.Request().Context(), c.Param("packet_id"), stage, fields)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) validate(c echo.Context) error {
	stage, err := stageParam(c.QueryParam("stage"))
	if err != nil {
		return err
	}
	v, err := s.svc.ValidateForStage(c.Request().Context(), c.Param("packet_id"), stage)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) journey(c echo.Context) error {
	j, err := s.svc.PacketJourney(c.Request().Context(), c.Param("packet_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, j)
}

func (s *Server) allFarmers(c echo.Context) error {
	farmers, err := s.svc.AllFarmers(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"farmers": nonNil(farmers)})
}

func (s *Server) farmerBatches(c echo.Context) error {
	farmerID := c.Param("farmer_id")
	batches, err := s.svc.BatchesForFarmer(c.Request().Context(), farmerID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"farmer_id": farmerID, "batches": nonNil(batches)})
}

type roleBody struct {
	Role    string `json:"role"`
	Account string `json:"account"`
}

func (s *Server) grantRole(c echo.Context) error {
	return s.changeRole(c, s.svc.GrantRole)
}

func (s *Server) revokeRole(c echo.Context) error {
	return s.changeRole(c, s.svc.RevokeRole)
}

func (s *Server) changeRole(c echo.Context, apply func(ctx context.Context, role domain.Role, account string) (ledger.Receipt, error)) error {
	var in roleBody
	if err := bind(c, &in); err != nil {
		return err
	}
	role, err := domain.ParseRole(in.Role)
	if err != nil {
		return err
	}
	receipt, err := apply(c.Request().Context(), role, in.Account)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"role": role, "account": in.Account, "receipt": receipt})
}

func (s *Server) hasRole(c echo.Context) error {
	role, err := domain.ParseRole(c.QueryParam("role"))
	if err != nil {
		return err
	}
	account := c.QueryParam("account")
	ok, err := s.svc.HasRole(c.Request().Context(), role, account)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"role": role, "account": account, "has_role": ok})
}

func (s *Server) syncNonce(c echo.Context) error {
	n, err := s.svc.SyncNonce(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{"nonce": n})
}

func (s *Server) refreshIndex(c echo.Context) error {
	stats, err := s.svc.RefreshIndex(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) rebuildIndex(c echo.Context) error {
	stats, err := s.svc.RebuildIndex(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) createExport(c echo.Context) error {
	var in exports.Input
	if err := bind(c, &in); err != nil {
		return err
	}
	rec, err := s.exports.Enqueue(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, rec)
}

func (s *Server) getExport(c echo.Context) error {
	id := c.Param("id")
	rec, ok := s.exports.Get(id)
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityExport, ID: id}
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) downloadExport(c echo.Context) error {
	format := exports.Format(strings.ToLower(c.Param("format")))
	info, rc, err := s.exports.Open(c.Request().Context(), c.Param("id"), format)
	if err != nil {
		return err
	}
	defer rc.Close()
	c.Response().Header().Set(echo.HeaderContentDisposition, "attachment; filename=\""+info.Key[strings.LastIndex(info.Key, "/")+1:]+"\"")
	if info.Size > 0 {
		c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(info.Size, 10))
	}
	contentType := info.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	return c.Stream(http.StatusOK, contentType, rc)
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
